package characters

import (
	"context"
	"errors"
	"testing"

	"genflow-api/internal/chain"
	"genflow-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	chars map[string]Character
	err   error
	calls int
	asked [][]string
}

func (f *fakeLookup) LookupByIDs(_ context.Context, ids []string) ([]Character, error) {
	f.calls++
	f.asked = append(f.asked, ids)
	if f.err != nil {
		return nil, f.err
	}
	var out []Character
	for _, id := range ids {
		if c, ok := f.chars[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestExtractMentions_OrderAndDuplicates(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"none", "a quiet lake", []string{}},
		{"at", "@Momo_Ayase, @Isabelle_(Animal_Crossing) walking", []string{"Momo_Ayase", "Isabelle_(Animal_Crossing)"}},
		{"bracket", "<hero one> meets <villain>", []string{"hero one", "villain"}},
		{"interleaved", "<b> and @a then <b> and @a", []string{"b", "a", "b", "a"}},
		{"punctuation", "@v1.2:x-y! hi", []string{"v1.2:x-y"}},
		{"bare at", "email me @ home", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractMentions(tc.text))
		})
	}
}

func TestTokenize_Spans(t *testing.T) {
	text := "x <a b> @c"
	tokens := Tokenize(text)
	require.Len(t, tokens, 2)
	assert.Equal(t, "<a b>", text[tokens[0].Start:tokens[0].End])
	assert.Equal(t, NotationBracket, tokens[0].Notation)
	assert.Equal(t, "@c", text[tokens[1].Start:tokens[1].End])
	assert.Equal(t, NotationAt, tokens[1].Notation)
}

func TestSubstitute_OfficialFallback(t *testing.T) {
	r := NewResolver(&fakeLookup{}, nil)
	text := "@Momo_Ayase, @Isabelle_(Animal_Crossing) walking in the rain"
	got := r.Substitute(context.Background(), text, ExtractMentions(text))
	assert.Equal(t, "Momo Ayase, Isabelle (Animal Crossing) walking in the rain", got)
}

func TestSubstitute_PrefixIDsDoNotCollide(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"Momo": {ID: "Momo", AltPrompt: "pink hair girl"},
	}}
	r := NewResolver(lookup, nil)
	text := "@Momo_Ayase and @Momo and <Momo>"
	got := r.Substitute(context.Background(), text, ExtractMentions(text))
	assert.Equal(t, "Momo Ayase and pink hair girl and pink hair girl", got)
}

func TestSubstitute_OverridePriorityAndUntouched(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"a": {ID: "a", AltPrompt: "alt", Description: "desc"},
		"b": {ID: "b", Description: "desc b"},
		"c": {ID: "c", Image: "c.png"},
	}}
	r := NewResolver(lookup, nil)
	got := r.Substitute(context.Background(), "@a @b @c @d", []string{"a", "b", "c"})
	assert.Equal(t, "alt desc b @c @d", got)
}

func TestResolveImages_OrderAndDrops(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"a": {ID: "a", Image: "a.png"},
		"b": {ID: "b"},
		"c": {ID: "c", Image: "c.png"},
	}}
	r := NewResolver(lookup, nil)
	got := r.ResolveImages(context.Background(), []string{"c", "missing", "a", "b", "c"})
	assert.Equal(t, []string{"c.png", "a.png"}, got)
	assert.Equal(t, [][]string{{"c", "missing", "a", "b"}}, lookup.asked)
}

func TestResolve_LookupFailureIsNoneFound(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("db down")}
	r := NewResolver(lookup, nil)
	res := r.Resolve(context.Background(), []string{"Momo_Ayase"})
	assert.Empty(t, res.Images())
	assert.Empty(t, res.Unsupported())
	assert.Equal(t, "Momo Ayase", res.Substitute("@Momo_Ayase"))
}

func TestResolve_EmptyIDsSkipsLookup(t *testing.T) {
	lookup := &fakeLookup{}
	r := NewResolver(lookup, nil)
	assert.Empty(t, r.ResolveImages(context.Background(), nil))
	assert.Equal(t, 0, lookup.calls)
}

func TestResolution_DescriptionsAndUnsupported(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"oc":    {ID: "oc", Description: "a knight"},
		"alt":   {ID: "alt", AltPrompt: "tags", Description: "ignored"},
		"plain": {ID: "plain", Image: "p.png"},
	}}
	res := NewResolver(lookup, nil).Resolve(context.Background(), []string{"plain", "oc", "alt", "official"})
	assert.Equal(t, []Description{{ID: "oc", Text: "a knight"}}, res.Descriptions())
	assert.Equal(t, []string{"plain"}, res.Unsupported())
}

func tagBased(model string) bool { return model == "Illustrious" }

func TestMiddleware_TagModelSubstitutes(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"oc": {ID: "oc", AltPrompt: "1girl, silver hair"},
	}}
	mw := NewResolver(lookup, nil).Middleware(tagBased)
	req := chain.NewRequest(1, "r", &shared.GenerationParams{
		Prompt: "@oc with @Lumine_(Genshin_Impact)",
		Model:  "Illustrious",
	}, nil)

	res := mw(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, "1girl, silver hair with Lumine (Genshin Impact)", req.Params.Prompt)
	assert.Equal(t, "1girl, silver hair with Lumine (Genshin Impact)", req.Params.OriginalPrompt)
	assert.Equal(t, "@oc with @Lumine_(Genshin_Impact)", req.Params.UserPrompt)
}

func TestMiddleware_TagModelRejectsImageOnlyCharacter(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"pic": {ID: "pic", Image: "pic.png"},
	}}
	mw := NewResolver(lookup, nil).Middleware(tagBased)
	req := chain.NewRequest(1, "r", &shared.GenerationParams{Prompt: "@pic", Model: "Illustrious"}, nil)

	res := mw(context.Background(), req)
	require.False(t, res.Success)
	assert.Equal(t, 400, res.Response.StatusCode)
	body := res.Response.Body.(shared.ErrorBody)
	assert.Equal(t, ErrCharacterNotSupported, body.Error)
}

func TestMiddleware_ReferenceModelGetsImages(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"pic": {ID: "pic", Image: "pic.png"},
	}}
	mw := NewResolver(lookup, nil).Middleware(tagBased)
	req := chain.NewRequest(1, "r", &shared.GenerationParams{
		Prompt:          "@pic dancing",
		Model:           "Gemini",
		CharacterImages: []string{"pic.png"},
	}, nil)

	res := mw(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, []string{"pic.png"}, req.Params.CharacterImages)
	assert.Equal(t, "@pic dancing", req.Params.Prompt)
}

func TestMiddleware_GeneralModelKeepsMentions(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"oc": {ID: "oc", AltPrompt: "1girl, silver hair"},
	}}
	mw := NewResolver(lookup, nil).Middleware(tagBased)
	req := chain.NewRequest(1, "r", &shared.GenerationParams{
		Prompt: "@oc with @Lumine_(Genshin_Impact)",
		Model:  "Seedream",
	}, nil)

	res := mw(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, "@oc with @Lumine_(Genshin_Impact)", req.Params.Prompt)
	assert.Empty(t, req.Params.OriginalPrompt)
	assert.Empty(t, req.Params.UserPrompt)
}

func TestMiddleware_NoMentions(t *testing.T) {
	lookup := &fakeLookup{}
	mw := NewResolver(lookup, nil).Middleware(tagBased)
	req := chain.NewRequest(1, "r", &shared.GenerationParams{Prompt: "plain"}, nil)
	assert.True(t, mw(context.Background(), req).Success)
	assert.Equal(t, 0, lookup.calls)
	assert.Empty(t, req.Params.UserPrompt)
}

func TestPrimaryImage_Priority(t *testing.T) {
	lookup := &fakeLookup{chars: map[string]Character{
		"pic": {ID: "pic", Image: "db.png"},
	}}
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	assert.Equal(t, "req.png", r.PrimaryImage(ctx, &shared.GenerationParams{Image: "req.png", CharacterImages: []string{"c.png"}, Prompt: "@pic"}))
	assert.Equal(t, "c.png", r.PrimaryImage(ctx, &shared.GenerationParams{CharacterImages: []string{"c.png"}, Prompt: "@pic"}))
	assert.Equal(t, "db.png", r.PrimaryImage(ctx, &shared.GenerationParams{Prompt: "@pic"}))
	assert.Equal(t, "", r.PrimaryImage(ctx, &shared.GenerationParams{Prompt: "nobody"}))
}
