// Package gemini calls Gemini for image edits and image conditioned text.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models       contentGenerator
	http         *http.Client
	editModel    string
	captionModel string
	log          *zap.SugaredLogger
}

func New(ctx context.Context, apiKey string, log *zap.SugaredLogger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating gemini client: %w", err)
	}
	return newClient(gc.Models, &http.Client{Timeout: shared.DefaultUploadTimeout}, log), nil
}

func newClient(models contentGenerator, httpClient *http.Client, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		models:       models,
		http:         httpClient,
		editModel:    shared.DefaultImageEditModel,
		captionModel: shared.DefaultCaptionModel,
		log:          log,
	}
}

// Image is raw image bytes with their mime type.
type Image struct {
	Data     []byte
	MIMEType string
}

// Edit applies prompt to the referenced image. A safety filter rejection is
// reported as shared.ErrModerationBlocked.
func (c *Client) Edit(ctx context.Context, prompt, imageRef string) (*Image, error) {
	img, err := c.load(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	resp, err := c.generate(ctx, "gemini_edit", c.editModel, prompt, img, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return nil, err
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &Image{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
		}
	}
	return nil, errors.Join(shared.ErrUpstreamEmpty, errors.New("gemini returned no image"))
}

// Caption asks the vision model for text about the referenced image, guided
// by instruction.
func (c *Client) Caption(ctx context.Context, imageRef, instruction string) (string, error) {
	img, err := c.load(ctx, imageRef)
	if err != nil {
		return "", err
	}
	resp, err := c.generate(ctx, "gemini_caption", c.captionModel, instruction, img, nil)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part == nil || part.Thought {
				continue
			}
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.Join(shared.ErrUpstreamEmpty, errors.New("gemini returned no text"))
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, label, model, prompt string, img *Image, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(img.Data, img.MIMEType),
	}
	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	metrics.UpstreamLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errors.Join(shared.ErrUpstreamHTTP, err)
	}
	if resp == nil {
		return nil, shared.ErrUpstreamEmpty
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		c.log.Warnw("gemini prompt blocked", "reason", resp.PromptFeedback.BlockReason)
		return nil, errors.Join(shared.ErrModerationBlocked, shared.ErrUpstreamModeration)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, shared.ErrUpstreamEmpty
	}
	if isSafetyStop(string(resp.Candidates[0].FinishReason)) {
		c.log.Warnw("gemini output blocked by safety filter", "finish_reason", resp.Candidates[0].FinishReason)
		return nil, errors.Join(shared.ErrModerationBlocked, shared.ErrUpstreamModeration)
	}
	return resp, nil
}

func isSafetyStop(reason string) bool {
	switch reason {
	case "IMAGE_SAFETY", "PROHIBITED_CONTENT", "SAFETY":
		return true
	}
	return false
}

// load accepts a data URL or an http(s) URL.
func (c *Client) load(ctx context.Context, ref string) (*Image, error) {
	if ref == "" {
		return nil, shared.NewValidationError("image is required")
	}
	if strings.HasPrefix(ref, "data:") {
		return DecodeDataURL(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, shared.NewValidationError("invalid image url")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Join(shared.ErrUpstreamStatus, fmt.Errorf("fetching image: status %d", res.StatusCode))
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Join(shared.ErrUpstreamRead, err)
	}
	mime := res.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return &Image{Data: data, MIMEType: mime}, nil
}

// DecodeDataURL parses data:<mime>;base64,<payload>.
func DecodeDataURL(ref string) (*Image, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, shared.NewValidationError("invalid image data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, shared.NewValidationError("invalid image data url")
	}
	return &Image{Data: data, MIMEType: strings.TrimSuffix(header, ";base64")}, nil
}
