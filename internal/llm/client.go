// Package llm is a small client for OpenAI compatible chat completion
// endpoints, used for prompt rewriting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Referer         string
	Title           string
	Timeout         time.Duration
	RequestInterval time.Duration
	Burst           int
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Model == "" {
		cfg.Model = shared.DefaultImproveModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = shared.DefaultLLMTimeout
	}
	if cfg.RequestInterval == 0 {
		cfg.RequestInterval = shared.LLMRequestInterval
	}
	if cfg.Burst == 0 {
		cfg.Burst = shared.LLMBurst
	}
	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: shared.DefaultProviderDialTime,
		}).Dial,
		TLSHandshakeTimeout: 2 * time.Second,
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), cfg.Burst),
		log:     log,
	}
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends instruction as a single user message. An upstream that
// answers with no choices yields an empty string, not an error.
func (c *Client) Complete(ctx context.Context, instruction string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limiter: %w", err)
	}

	bodyJSON, err := json.Marshal(shared.CompletionBody{
		Messages:    []shared.ChatMessage{{Role: "user", Content: instruction}},
		Model:       c.cfg.Model,
		Temperature: 0.7,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(bodyJSON))
	if err != nil {
		return "", errors.Join(shared.ErrUpstreamHTTP, err)
	}
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + c.cfg.APIKey,
	}
	if c.cfg.Referer != "" {
		headers["HTTP-Referer"] = c.cfg.Referer
	}
	if c.cfg.Title != "" {
		headers["X-Title"] = c.cfg.Title
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}

	start := time.Now()
	res, err := c.http.Do(r)
	metrics.UpstreamLatency.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", errors.Join(shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.Join(shared.ErrUpstreamRead, err)
	}
	if res.StatusCode != http.StatusOK {
		return "", errors.Join(shared.ErrUpstreamStatus, fmt.Errorf("status %d: %s", res.StatusCode, shared.Truncate(string(body), 200)))
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Join(shared.ErrUpstreamRead, err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return stripFences(parsed.Choices[0].Message.Content), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl != -1 {
			s = s[nl+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
