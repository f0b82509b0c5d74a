package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"genflow-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	return f.resp, f.err
}

var pngDataURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))

func candidate(finish genai.FinishReason, parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		FinishReason: finish,
		Content:      &genai.Content{Parts: parts},
	}}}
}

func TestEdit_ReturnsInlineImage(t *testing.T) {
	f := &fakeModels{resp: candidate("STOP",
		genai.NewPartFromText("here you go"),
		&genai.Part{InlineData: &genai.Blob{Data: []byte("img"), MIMEType: "image/png"}},
	)}
	c := newClient(f, http.DefaultClient, nil)

	img, err := c.Edit(context.Background(), "make it snow", pngDataURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), img.Data)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, shared.DefaultImageEditModel, f.model)

	require.Len(t, f.contents, 1)
	parts := f.contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "make it snow", parts[0].Text)
	assert.Equal(t, []byte("\x89PNG fake"), parts[1].InlineData.Data)
}

func TestEdit_SafetyRejection(t *testing.T) {
	for _, reason := range []genai.FinishReason{"IMAGE_SAFETY", "PROHIBITED_CONTENT"} {
		c := newClient(&fakeModels{resp: candidate(reason)}, http.DefaultClient, nil)
		_, err := c.Edit(context.Background(), "x", pngDataURL)
		assert.True(t, errors.Is(err, shared.ErrModerationBlocked), reason)
	}

	blocked := &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: "PROHIBITED_CONTENT"}}
	c := newClient(&fakeModels{resp: blocked}, http.DefaultClient, nil)
	_, err := c.Edit(context.Background(), "x", pngDataURL)
	assert.True(t, errors.Is(err, shared.ErrModerationBlocked))
}

func TestEdit_NoImage(t *testing.T) {
	c := newClient(&fakeModels{resp: candidate("STOP", genai.NewPartFromText("sorry"))}, http.DefaultClient, nil)
	_, err := c.Edit(context.Background(), "x", pngDataURL)
	assert.True(t, errors.Is(err, shared.ErrUpstreamEmpty))
	assert.False(t, errors.Is(err, shared.ErrModerationBlocked))
}

func TestEdit_MissingImageIsValidation(t *testing.T) {
	f := &fakeModels{}
	c := newClient(f, http.DefaultClient, nil)
	_, err := c.Edit(context.Background(), "x", "")
	assert.True(t, shared.IsValidation(err))
	assert.Empty(t, f.model)
}

func TestCaption_JoinsTextParts(t *testing.T) {
	f := &fakeModels{resp: candidate("STOP",
		&genai.Part{Text: "thinking...", Thought: true},
		genai.NewPartFromText("A girl spins "),
		genai.NewPartFromText("under cherry blossoms."),
	)}
	c := newClient(f, http.DefaultClient, nil)

	out, err := c.Caption(context.Background(), pngDataURL, "describe the motion")
	require.NoError(t, err)
	assert.Equal(t, "A girl spins under cherry blossoms.", out)
	assert.Equal(t, shared.DefaultCaptionModel, f.model)
}

func TestCaption_EmptyIsError(t *testing.T) {
	c := newClient(&fakeModels{resp: candidate("STOP")}, http.DefaultClient, nil)
	_, err := c.Caption(context.Background(), pngDataURL, "x")
	assert.True(t, errors.Is(err, shared.ErrUpstreamEmpty))
}

func TestLoad_FetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg bytes"))
	}))
	defer srv.Close()

	f := &fakeModels{resp: candidate("STOP", genai.NewPartFromText("ok"))}
	c := newClient(f, srv.Client(), nil)
	_, err := c.Caption(context.Background(), srv.URL+"/a.jpg", "x")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", f.contents[0].Parts[1].InlineData.MIMEType)
}

func TestDecodeDataURL(t *testing.T) {
	img, err := DecodeDataURL(pngDataURL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)

	_, err = DecodeDataURL("data:image/png,notbase64")
	assert.True(t, shared.IsValidation(err))
}
