// Package providers calls the image and video model backends listed in the
// model catalog.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"genflow-api/internal/config"
	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

// Input is the provider request body.
type Input struct {
	Model           string   `json:"model"`
	Prompt          string   `json:"prompt"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	Image           string   `json:"image,omitempty"`
	Images          []string `json:"images,omitempty"`
	CharacterImages []string `json:"character_images,omitempty"`
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
	Duration        int      `json:"duration,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	RequestID       string   `json:"request_id,omitempty"`
}

// Output carries either a hosted URL or inline media.
type Output struct {
	URL      string
	Data     []byte
	MIMEType string
}

type response struct {
	URL      string `json:"url"`
	B64      string `json:"b64_json"`
	MIMEType string `json:"mime_type"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const moderationCode = "moderation"

type Client struct {
	apiKey       string
	log          *zap.SugaredLogger
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func New(apiKey string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{apiKey: apiKey, log: log, httpClients: map[string]*http.Client{}}
}

// httpClient keeps one client per upstream host so connections are reused.
func (c *Client) httpClient(modelURL string) *http.Client {
	parsed, err := url.Parse(modelURL)
	if err != nil {
		parsed = &url.URL{Host: modelURL}
	}
	host := parsed.Host

	c.clientsMutex.RLock()
	if client, ok := c.httpClients[host]; ok {
		c.clientsMutex.RUnlock()
		return client
	}
	c.clientsMutex.RUnlock()

	c.clientsMutex.Lock()
	defer c.clientsMutex.Unlock()
	if client, ok := c.httpClients[host]; ok {
		return client
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: shared.DefaultProviderDialTime}).DialContext,
			TLSHandshakeTimeout: shared.DefaultProviderDialTime,
		},
		Timeout: shared.DefaultHTTPTimeout,
	}
	c.httpClients[host] = client
	return client
}

// Generate runs one generation on model. A moderation refusal is returned as
// shared.ErrModerationBlocked.
func (c *Client) Generate(ctx context.Context, model config.Model, in Input) (*Output, error) {
	if model.URL == "" {
		return nil, errors.Join(shared.ErrUnknownModel, fmt.Errorf("model %s has no backend", model.Name))
	}
	in.Model = model.Name
	body, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Join(shared.ErrInvalidRequest, err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, model.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Request-ID", in.RequestID)
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	res, err := c.httpClient(model.URL).Do(r)
	metrics.UpstreamLatency.WithLabelValues("provider").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errors.Join(shared.ErrGenerationFailed, shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Join(shared.ErrGenerationFailed, shared.ErrUpstreamRead, err)
	}
	var out response
	_ = json.Unmarshal(raw, &out)

	if (out.Error != nil && out.Error.Code == moderationCode) || res.StatusCode == http.StatusUnprocessableEntity {
		return nil, errors.Join(shared.ErrModerationBlocked, shared.ErrUpstreamModeration)
	}
	if res.StatusCode != http.StatusOK {
		return nil, errors.Join(shared.ErrGenerationFailed, shared.ErrUpstreamStatus, fmt.Errorf("provider status %d: %s", res.StatusCode, shared.Truncate(string(raw), 200)))
	}
	if out.Error != nil {
		return nil, errors.Join(shared.ErrGenerationFailed, fmt.Errorf("provider error %s: %s", out.Error.Code, out.Error.Message))
	}

	switch {
	case out.B64 != "":
		data, err := base64.StdEncoding.DecodeString(out.B64)
		if err != nil {
			return nil, errors.Join(shared.ErrGenerationFailed, shared.ErrUpstreamRead, err)
		}
		mime := out.MIMEType
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		return &Output{Data: data, MIMEType: mime}, nil
	case out.URL != "":
		return &Output{URL: out.URL, MIMEType: out.MIMEType}, nil
	}
	return nil, errors.Join(shared.ErrGenerationFailed, shared.ErrUpstreamEmpty)
}
