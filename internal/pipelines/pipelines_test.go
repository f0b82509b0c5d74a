package pipelines

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"genflow-api/internal/gemini"
	"genflow-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawTemplates struct {
	rows  map[string]string
	err   error
	calls atomic.Int32
}

func (r *rawTemplates) TemplatePrompt(_ context.Context, id string) ([]byte, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	raw, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return []byte(raw), nil
}

type fakeEditor struct {
	err     error
	calls   atomic.Int32
	prompts []string
	mu      sync.Mutex
}

func (f *fakeEditor) Edit(_ context.Context, prompt, _ string) (*gemini.Image, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &gemini.Image{Data: []byte("edited"), MIMEType: "image/png"}, nil
}

type fakeCaptioner struct {
	err         error
	calls       atomic.Int32
	image       string
	instruction string
}

func (f *fakeCaptioner) Caption(_ context.Context, imageRef, instruction string) (string, error) {
	f.calls.Add(1)
	f.image, f.instruction = imageRef, instruction
	if f.err != nil {
		return "", f.err
	}
	return "the character turns and waves", nil
}

type fakeUploader struct {
	calls     atomic.Int32
	watermark bool
	userID    uint64
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte, _ string, userID uint64, watermark bool) (string, error) {
	f.calls.Add(1)
	f.watermark, f.userID = watermark, userID
	return "https://cdn.example.com/edited.png", nil
}

type fakeTranslator struct {
	calls atomic.Int32
}

func (f *fakeTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	f.calls.Add(1)
	return "translated: " + text, nil
}

type harness struct {
	src        *rawTemplates
	editor     *fakeEditor
	captioner  *fakeCaptioner
	uploader   *fakeUploader
	translator *fakeTranslator
	dispatcher *Dispatcher
}

func newHarness(rows map[string]string) *harness {
	h := &harness{
		src:        &rawTemplates{rows: rows},
		editor:     &fakeEditor{},
		captioner:  &fakeCaptioner{},
		uploader:   &fakeUploader{},
		translator: &fakeTranslator{},
	}
	h.dispatcher = NewDispatcher(NewTemplates(h.src, nil), nil)
	NewStages(h.editor, h.captioner, h.uploader, h.translator, nil).Register(h.dispatcher)
	return h
}

const danceTemplate = `{
	"type2": {"prompt1": "put {{name}} in a ${outfit}", "prompt2": "キャラクターが踊る"},
	"type3": {"prompt1": "put $$name$$ on stage", "prompt2": "describe a dance for {name}"},
	"video": "legacy single prompt"
}`

func videoParams(kind, style string) *shared.GenerationParams {
	return &shared.GenerationParams{
		Image: "https://cdn.example.com/user.png",
		MetaData: shared.MetaData{
			VideoPipelineType: kind,
			StyleID:           style,
			Vars:              map[string]string{"name": "Momo", "outfit": "kimono"},
		},
	}
}

func TestDispatch_NoPipelineOutcomes(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate, "plain": `{"video": "x"}`})
	ctx := context.Background()

	tests := []struct {
		name   string
		params *shared.GenerationParams
	}{
		{"no type", videoParams("", "dance")},
		{"unknown type", videoParams("type9", "dance")},
		{"missing style", videoParams("type2", "")},
		{"unknown template", videoParams("type2", "missing")},
		{"template without kind", videoParams("type2", "plain")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.dispatcher.Dispatch(ctx, 7, tt.params)
			assert.NoError(t, err)
			assert.Nil(t, res)
		})
	}
	assert.Zero(t, h.editor.calls.Load())
	assert.Zero(t, h.captioner.calls.Load())
}

func TestDispatch_TemplateLookupFailureIsNoPipeline(t *testing.T) {
	h := newHarness(nil)
	h.src.err = errors.New("db down")
	res, err := h.dispatcher.Dispatch(context.Background(), 7, videoParams("type2", "dance"))
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestDispatch_EditThenGenerate(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate})

	res, err := h.dispatcher.Dispatch(context.Background(), 7, videoParams("type2", "dance-v"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "https://cdn.example.com/edited.png", res.ImageURL)
	assert.Equal(t, "translated: キャラクターが踊る", res.Prompt)
	assert.Equal(t, []string{"put Momo in a kimono"}, h.editor.prompts)
	assert.False(t, h.uploader.watermark)
	assert.Equal(t, uint64(7), h.uploader.userID)
}

func TestDispatch_SkipTranslation(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate})
	params := videoParams("type2", "dance")
	params.MetaData.NoTranslate = true

	res, err := h.dispatcher.Dispatch(context.Background(), 7, params)
	require.NoError(t, err)
	assert.Equal(t, "キャラクターが踊る", res.Prompt)
	assert.Zero(t, h.translator.calls.Load())
}

func TestDispatch_EditAndCaption(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate})

	res, err := h.dispatcher.Dispatch(context.Background(), 7, videoParams("type3", "dance-i"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/edited.png", res.ImageURL)
	assert.Equal(t, "the character turns and waves", res.Prompt)
	assert.Equal(t, "https://cdn.example.com/user.png", h.captioner.image)
	assert.Equal(t, "describe a dance for Momo", h.captioner.instruction)
	assert.Equal(t, []string{"put Momo on stage"}, h.editor.prompts)
}

func TestDispatch_EditAndCaptionBranchFailure(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate})
	h.captioner.err = errors.New("vision down")
	_, err := h.dispatcher.Dispatch(context.Background(), 7, videoParams("type3", "dance"))
	assert.Error(t, err)

	h = newHarness(map[string]string{"dance": danceTemplate})
	h.editor.err = errors.Join(shared.ErrModerationBlocked, shared.ErrUpstreamModeration)
	_, err = h.dispatcher.Dispatch(context.Background(), 7, videoParams("type3", "dance"))
	assert.True(t, errors.Is(err, shared.ErrModerationBlocked))
	assert.Zero(t, h.uploader.calls.Load())
}

func TestDispatch_MissingImageIsValidation(t *testing.T) {
	for _, kind := range []string{KindEditThenGenerate, KindEditAndCaption} {
		h := newHarness(map[string]string{"dance": danceTemplate})
		params := videoParams(kind, "dance")
		params.Image = ""

		_, err := h.dispatcher.Dispatch(context.Background(), 7, params)
		assert.True(t, shared.IsValidation(err), kind)
		assert.Zero(t, h.editor.calls.Load())
		assert.Zero(t, h.captioner.calls.Load())
		assert.Zero(t, h.uploader.calls.Load())
		assert.Zero(t, h.translator.calls.Load())
	}
}

func TestDispatch_MissingPrompt2IsValidation(t *testing.T) {
	h := newHarness(map[string]string{"half": `{"type2": {"prompt1": "edit it"}}`})
	_, err := h.dispatcher.Dispatch(context.Background(), 7, videoParams("type2", "half"))
	assert.True(t, shared.IsValidation(err))
	assert.Zero(t, h.editor.calls.Load())
}

func TestDispatch_UsesImagesFallback(t *testing.T) {
	h := newHarness(map[string]string{"dance": danceTemplate})
	params := videoParams("type3", "dance")
	params.Image = ""
	params.Images = []string{"https://cdn.example.com/second.png"}

	_, err := h.dispatcher.Dispatch(context.Background(), 7, params)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/second.png", h.captioner.image)
}

func TestTemplates_Cached(t *testing.T) {
	src := &rawTemplates{rows: map[string]string{"dance": danceTemplate}}
	tpl := NewTemplates(src, nil)
	ctx := context.Background()

	for range 3 {
		p, err := tpl.PipelinePrompts(ctx, "dance-v", "type2", nil)
		require.NoError(t, err)
		assert.Equal(t, "put {{name}} in a ${outfit}", p.Prompt1)
	}
	_, err := tpl.PipelinePrompts(ctx, "ghost", "type2", nil)
	require.NoError(t, err)
	_, err = tpl.PipelinePrompts(ctx, "ghost", "type2", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCleanTemplateID(t *testing.T) {
	assert.Equal(t, "dance", CleanTemplateID("dance-v"))
	assert.Equal(t, "dance", CleanTemplateID("dance-i"))
	assert.Equal(t, "dance-x", CleanTemplateID("dance-x"))
	assert.Equal(t, "v-dance", CleanTemplateID("v-dance"))
}

func TestApplyVars(t *testing.T) {
	vars := map[string]string{"name": "Momo", "empty": ""}
	assert.Equal(t, "Momo Momo Momo Momo", ApplyVars("${name} $$name$$ {{name}} {name}", vars))
	assert.Equal(t, "keep {empty}", ApplyVars("keep {empty}", vars))
}

func TestExtraCost(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register("type4", 25, func(context.Context, uint64, *shared.GenerationParams, Prompts) (*Result, error) {
		return nil, nil
	})
	assert.Equal(t, uint64(25), d.ExtraCost("type4"))
	assert.Zero(t, d.ExtraCost("type2"))
}
