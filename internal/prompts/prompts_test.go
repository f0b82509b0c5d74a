package prompts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"genflow-api/internal/chain"
	"genflow-api/internal/characters"
	"genflow-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	answers      []string
	err          error
	calls        int
	instructions []string
}

func (s *scriptedLLM) Complete(_ context.Context, instruction string) (string, error) {
	s.calls++
	s.instructions = append(s.instructions, instruction)
	if s.err != nil {
		return "", s.err
	}
	if len(s.answers) == 0 {
		return "", nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

type mapTranslator struct {
	table map[string]string
	err   error
	calls int
}

func (m *mapTranslator) Translate(_ context.Context, text, target string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if target != shared.WorkingLanguage {
		return "", errors.New("unexpected target")
	}
	return m.table[text], nil
}

type stubCatalog struct {
	tagBased map[string]bool
	styles   map[string]string
}

func (s stubCatalog) IsTagBased(model string) bool { return s.tagBased[model] }
func (s stubCatalog) StyleText(tag string) string  { return s.styles[tag] }

type stubDescriber map[string]string

func (s stubDescriber) Descriptions(_ context.Context, ids []string) []characters.Description {
	var out []characters.Description
	for _, id := range characters.Unique(ids) {
		if d, ok := s[id]; ok {
			out = append(out, characters.Description{ID: id, Text: d})
		}
	}
	return out
}

var catalog = stubCatalog{
	tagBased: map[string]bool{"Illustrious": true},
	styles:   map[string]string{"[pop-anime-style]": "Generate in modern pop anime style."},
}

func TestImproveWithFallback_NeverEmpty(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("boom")}
	imp := NewImprover(llm, &mapTranslator{}, catalog, nil, nil)

	out := imp.ImproveWithFallback(context.Background(), "a cat", "a cat", "Gemini")
	assert.Equal(t, "a cat", out)
	assert.Equal(t, 2, llm.calls)
}

func TestImproveWithFallback_RetriesOnceOnEmpty(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"", "a fluffy cat on a windowsill"}}
	imp := NewImprover(llm, nil, catalog, nil, nil)

	out := imp.ImproveWithFallback(context.Background(), "a cat", "a cat", "Gemini")
	assert.Equal(t, "a fluffy cat on a windowsill", out)
	assert.Equal(t, 2, llm.calls)
}

func TestImproveWithFallback_FirstAnswerWins(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"  1girl, cat ears  "}}
	imp := NewImprover(llm, nil, catalog, nil, nil)

	out := imp.ImproveWithFallback(context.Background(), "cat girl", "cat girl", "Illustrious")
	assert.Equal(t, "1girl, cat ears", out)
	assert.Equal(t, 1, llm.calls)
}

func TestImproveWithFallback_TranslatesNonASCII(t *testing.T) {
	tr := &mapTranslator{table: map[string]string{"雨の中を歩く猫": "a cat walking in the rain"}}
	imp := NewImprover(&scriptedLLM{}, tr, catalog, nil, nil)

	out := imp.ImproveWithFallback(context.Background(), "雨の中を歩く猫", "雨の中を歩く猫", "Gemini")
	assert.Equal(t, "a cat walking in the rain", out)
}

func TestImproveWithFallback_TranslationFailureKeepsOriginal(t *testing.T) {
	tr := &mapTranslator{err: errors.New("quota")}
	imp := NewImprover(&scriptedLLM{err: errors.New("down")}, tr, catalog, nil, nil)

	out := imp.ImproveWithFallback(context.Background(), "雨の中を歩く猫", "雨の中を歩く猫", "Gemini")
	assert.Equal(t, "雨の中を歩く猫", out)
	assert.Equal(t, 1, tr.calls)
}

func TestIsPrimarilyASCII(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"[日本語のスタイル]", true},
		{"a girl in the rain", true},
		{"café au lait on a table", true},
		{"雨の中を歩く猫", false},
		{"cat 猫猫", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPrimarilyASCII(tt.in), tt.in)
	}
}

func TestInstruction(t *testing.T) {
	imp := NewImprover(&scriptedLLM{}, nil, catalog, stubDescriber{"my_oc": "silver hair, red eyes"}, nil)
	ctx := context.Background()

	natural := imp.Instruction(ctx, "@my_oc at the beach", "Gemini")
	assert.Contains(t, natural, "natural language sentences")
	assert.NotContains(t, natural, "Description prompt")

	withDesc := imp.Instruction(ctx, "@my_oc at the beach", "Illustrious")
	assert.Contains(t, withDesc, `Description prompt for @my_oc: "silver hair, red eyes"`)
	assert.Contains(t, withDesc, "danbooru tags")

	plain := imp.Instruction(ctx, "@Momo_Ayase at the beach", "Illustrious")
	assert.NotContains(t, plain, "Description prompt")
	assert.Contains(t, plain, "keep the same way as how the user mention the character")
}

func TestImprove_EmptyPromptSkipsUpstream(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"x"}}
	imp := NewImprover(llm, nil, catalog, nil, nil)
	out, err := imp.Improve(context.Background(), "", "Gemini")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, llm.calls)
}

func TestMiddleware_ReappendsStyleTag(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"a cheerful girl smiling under neon lights"}}
	imp := NewImprover(llm, nil, catalog, nil, nil)
	req := chain.NewRequest(1, "req", &shared.GenerationParams{
		Prompt:         "a girl [pop-anime-style] smiling",
		NegativePrompt: "blurry",
		ImprovePrompt:  true,
		Model:          "Gemini",
	}, nil)

	res := imp.Middleware()(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, "a cheerful girl smiling under neon lights [pop-anime-style]", req.Params.Prompt)
	assert.Equal(t, "a girl [pop-anime-style] smiling", req.Params.OriginalPrompt)
	assert.Equal(t, "blurry", req.Params.NegativePrompt)

	require.Len(t, llm.instructions, 1)
	assert.Contains(t, llm.instructions[0], "Generate in modern pop anime style.")
	assert.NotContains(t, llm.instructions[0], "[pop-anime-style]")
}

func TestMiddleware_FallbackKeepsSingleTag(t *testing.T) {
	imp := NewImprover(&scriptedLLM{err: errors.New("down")}, nil, catalog, nil, nil)
	req := chain.NewRequest(1, "req", &shared.GenerationParams{
		Prompt:         "a girl [pop-anime-style] smiling",
		OriginalPrompt: "earlier",
		ImprovePrompt:  true,
	}, nil)

	imp.Middleware()(context.Background(), req)
	assert.True(t, strings.HasSuffix(req.Params.Prompt, " [pop-anime-style]"))
	assert.Equal(t, 1, strings.Count(req.Params.Prompt, "[pop-anime-style]"))
	assert.True(t, strings.HasPrefix(req.Params.Prompt, "a girl"))
	assert.Equal(t, "earlier", req.Params.OriginalPrompt)
}

func TestMiddleware_SkippedWithoutFlag(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"x"}}
	imp := NewImprover(llm, nil, catalog, nil, nil)
	req := chain.NewRequest(1, "req", &shared.GenerationParams{Prompt: "a cat"}, nil)

	res := imp.Middleware()(context.Background(), req)
	assert.True(t, res.Success)
	assert.Equal(t, "a cat", req.Params.Prompt)
	assert.Zero(t, llm.calls)
}

func TestTranslateMiddleware_PreservesMentionsAndTags(t *testing.T) {
	tr := &mapTranslator{table: map[string]string{"雨の中を歩く": "walking in the rain"}}
	imp := NewImprover(&scriptedLLM{}, tr, catalog, nil, nil)
	req := chain.NewRequest(1, "req", &shared.GenerationParams{Prompt: "@Momo_Ayase 雨の中を歩く [pop-anime-style]"}, nil)

	res := imp.TranslateMiddleware()(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, "@Momo_Ayase walking in the rain [pop-anime-style]", req.Params.Prompt)
	assert.Equal(t, "@Momo_Ayase 雨の中を歩く [pop-anime-style]", req.Params.OriginalPrompt)
}

func TestTranslateMiddleware_Skips(t *testing.T) {
	tr := &mapTranslator{table: map[string]string{}}
	imp := NewImprover(&scriptedLLM{}, tr, catalog, nil, nil)

	ascii := chain.NewRequest(1, "req", &shared.GenerationParams{Prompt: "a cat"}, nil)
	imp.TranslateMiddleware()(context.Background(), ascii)
	assert.Equal(t, "a cat", ascii.Params.Prompt)

	skip := chain.NewRequest(1, "req", &shared.GenerationParams{Prompt: "雨の中を歩く猫", NoTranslate: true}, nil)
	imp.TranslateMiddleware()(context.Background(), skip)
	assert.Equal(t, "雨の中を歩く猫", skip.Params.Prompt)
	assert.Zero(t, tr.calls)

	failing := chain.NewRequest(1, "req", &shared.GenerationParams{Prompt: "雨の中を歩く猫"}, nil)
	imp.TranslateMiddleware()(context.Background(), failing)
	assert.Equal(t, "雨の中を歩く猫", failing.Params.Prompt)
	assert.Empty(t, failing.Params.OriginalPrompt)
}
