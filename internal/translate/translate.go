// Package translate wraps Google Translate with a short lived memo.
package translate

import (
	"context"
	"html"
	"strings"
	"time"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	translatev2 "google.golang.org/api/translate/v2"
)

type backend interface {
	translate(ctx context.Context, text, target string) (string, error)
}

type googleBackend struct {
	svc *translatev2.Service
}

func (g *googleBackend) translate(ctx context.Context, text, target string) (string, error) {
	resp, err := g.svc.Translations.List([]string{text}, target).Format("text").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(resp.Translations) == 0 {
		return "", nil
	}
	return html.UnescapeString(resp.Translations[0].TranslatedText), nil
}

type Client struct {
	backend backend
	memo    *cache.Cache
	log     *zap.SugaredLogger
}

func NewGoogle(ctx context.Context, apiKey string, log *zap.SugaredLogger, opts ...option.ClientOption) (*Client, error) {
	svc, err := translatev2.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return newClient(&googleBackend{svc: svc}, log), nil
}

func newClient(b backend, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		backend: b,
		memo:    cache.New(shared.TranslationCacheTTL, shared.CacheCleanupInterval),
		log:     log,
	}
}

// Translate returns text in the target language. Empty input or an empty
// upstream answer yields an empty string.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	key := target + "\x00" + text
	if v, ok := c.memo.Get(key); ok {
		return v.(string), nil
	}

	start := time.Now()
	out, err := c.backend.translate(ctx, text, target)
	metrics.UpstreamLatency.WithLabelValues("translate").Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Warnw("translation failed", "error", err, "target", target)
		return "", err
	}
	out = strings.TrimSpace(out)
	if out != "" {
		c.memo.SetDefault(key, out)
	}
	return out, nil
}
