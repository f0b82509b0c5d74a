// Package storage uploads generated media to the object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string
	Bucket    string
	APIKey    string
	PublicURL string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.SugaredLogger
}

func New(cfg Config, httpClient *http.Client, log *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: shared.DefaultUploadTimeout}
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = strings.TrimSuffix(cfg.Endpoint, "/") + "/object/public"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
	"video/mp4":  "mp4",
}

// Upload stores data under the user's prefix and returns its public URL.
// Intermediate artifacts pass watermark false.
func (c *Client) Upload(ctx context.Context, data []byte, mimeType string, userID uint64, watermark bool) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty upload")
	}
	if watermark && strings.HasPrefix(mimeType, "image/") {
		if marked, ok := Watermark(data); ok {
			data, mimeType = marked, "image/png"
		} else {
			c.log.Warnw("could not watermark image, uploading as is", "mime", mimeType)
		}
	}
	ext, ok := extensions[mimeType]
	if !ok {
		ext = "bin"
	}
	path := fmt.Sprintf("%d/%s.%s", userID, strings.ToLower(shared.NewID()), ext)
	url := fmt.Sprintf("%s/object/%s/%s", strings.TrimSuffix(c.cfg.Endpoint, "/"), c.cfg.Bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Cache-Control", "max-age=31536000")

	start := time.Now()
	res, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues("storage").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", errors.Join(shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", errors.Join(shared.ErrUpstreamStatus, fmt.Errorf("upload status %d: %s", res.StatusCode, body))
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.cfg.PublicURL, "/"), c.cfg.Bucket, path), nil
}
