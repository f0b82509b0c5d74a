package generation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"genflow-api/internal/chain"
	"genflow-api/internal/config"
	"genflow-api/internal/metrics"
	"genflow-api/internal/providers"
	"genflow-api/internal/shared"
)

// ImageResponse is the body of a successful image generation.
type ImageResponse struct {
	Images    []string `json:"images"`
	Cost      uint64   `json:"cost"`
	RequestID string   `json:"request_id"`
	Failed    int      `json:"failed,omitempty"`
}

// VideoResponse is the body of a successful video generation.
type VideoResponse struct {
	URL       string `json:"url"`
	Cost      uint64 `json:"cost"`
	RequestID string `json:"request_id"`
	Pipeline  string `json:"pipeline,omitempty"`
}

func input(req *chain.Request) providers.Input {
	p := req.Params
	in := providers.Input{
		Model:           p.Model,
		Prompt:          p.Prompt,
		NegativePrompt:  p.NegativePrompt,
		Image:           p.Image,
		Images:          p.Images,
		CharacterImages: p.CharacterImages,
		Duration:        p.Duration,
		Resolution:      p.Resolution,
		RequestID:       req.RequestID,
	}
	if p.Size != nil {
		in.Width = p.Size.Width
		in.Height = p.Size.Height
	}
	return in
}

// publish turns a provider output into a public URL, uploading inline
// media to storage.
func (h *Handler) publish(ctx context.Context, req *chain.Request, out *providers.Output) (string, error) {
	if len(out.Data) == 0 {
		return out.URL, nil
	}
	return h.uploader.Upload(ctx, out.Data, out.MIMEType, req.UserID, h.catalog.Watermark(req.Params.Tool))
}

// fail ends an in flight generation that produced nothing.
func (h *Handler) fail(ctx context.Context, req *chain.Request, err error) *chain.Response {
	h.spend.RemoveInFlight(req.UserID)
	return h.reject(ctx, req, err)
}

// reject releases the reservation and renders err. Moderation rejections
// keep their 422, anything unclassified becomes a generation failure.
func (h *Handler) reject(ctx context.Context, req *chain.Request, err error) *chain.Response {
	if req.Reservation != nil {
		req.Reservation.Release(ctx)
	}
	req.Log.Status = shared.StatusFailed
	req.Log.Cost = 0
	metrics.ErrorCount.WithLabelValues(req.Params.Model, req.Params.Tool, "generate").Inc()

	var rerr *shared.RequestError
	if !errors.As(err, &rerr) {
		err = errors.Join(shared.ErrGenerationFailed, err)
	}
	return errorResponse(err)
}

// settle charges realCost and books the spend. It reports false when a
// shortfall could not be charged; the output is kept either way.
func (h *Handler) settle(ctx context.Context, req *chain.Request, realCost uint64, outputs int) bool {
	settled := true
	if req.Reservation != nil {
		settled = req.Reservation.Settle(ctx, realCost)
	}
	h.spend.AddSpend(&shared.SpendRecord{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Model:     req.Params.Model,
		Tool:      req.Params.Tool,
		Credits:   realCost,
		Images:    outputs,
	})
	req.Log.Status = shared.StatusSucceeded
	req.Log.Cost = realCost
	if !settled {
		req.Logger.Errorw("generation finished but credits could not be charged", "cost", realCost)
	}
	return settled
}

// unpaid answers 402 for output that was produced but not charged. The
// urls are still returned in the details.
func unpaid(urls []string) *chain.Response {
	status, body := shared.ErrorBodyFrom(shared.ErrNoCreditsPostHoc)
	body.Details = map[string]any{"urls": urls}
	return &chain.Response{StatusCode: status, Body: body}
}

func (h *Handler) store(ctx context.Context, req *chain.Request, urls []string) {
	if !req.Params.ShouldStore() || h.records == nil || len(urls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shared.DefaultSettleTimeout)
	defer cancel()
	prompt := req.Params.StoredPrompt()
	records := make([]shared.GenerationRecord, 0, len(urls))
	for _, u := range urls {
		records = append(records, shared.GenerationRecord{
			ID:     shared.NewID(),
			UserID: req.UserID,
			Prompt: prompt,
			Model:  req.Params.Model,
			URL:    u,
			Tool:   req.Params.Tool,
		})
	}
	if err := h.records.SaveGenerations(ctx, records); err != nil {
		req.Logger.Errorw("failed saving generations", "error", err)
		metrics.ErrorCount.WithLabelValues(req.Params.Model, req.Params.Tool, "save_generations").Inc()
	}
}

// Image generates NumImages outputs concurrently. Partial failures are
// tolerated and only successful images are billed.
func (h *Handler) Image(ctx context.Context, req *chain.Request) *chain.Response {
	model, ok := h.catalog.Model(req.Params.Model)
	if !ok || model.Kind != config.KindImage {
		return h.reject(ctx, req, shared.ErrUnknownModel)
	}
	h.spend.AddInFlight(req.UserID)
	start := time.Now()

	n := max(req.Params.NumImages, 1)
	urls := make([]string, n)
	errs := make([]error, n)
	in := input(req)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.generator.Generate(ctx, model, in)
			if err != nil {
				errs[i] = err
				return
			}
			url, err := h.publish(ctx, req, out)
			if err != nil {
				errs[i] = err
				return
			}
			urls[i] = url
		}()
	}
	wg.Wait()
	metrics.GenerationDuration.WithLabelValues(model.Name, req.Params.Tool).Observe(time.Since(start).Seconds())

	var images []string
	var moderated bool
	for i, u := range urls {
		if errs[i] != nil {
			req.Logger.Warnw("image generation failed", "index", i, "error", errs[i])
			metrics.GenerationCount.WithLabelValues(model.Name, "failed").Inc()
			moderated = moderated || errors.Is(errs[i], shared.ErrModerationBlocked)
			continue
		}
		metrics.GenerationCount.WithLabelValues(model.Name, "succeeded").Inc()
		images = append(images, u)
	}
	if len(images) == 0 {
		if moderated {
			return h.fail(ctx, req, shared.ErrModerationBlocked)
		}
		return h.fail(ctx, req, errors.Join(errs...))
	}

	realCost := shared.TotalCost(model.UnitCost(0), len(images))
	settled := h.settle(ctx, req, realCost, len(images))
	h.store(ctx, req, images)
	if !settled {
		return unpaid(images)
	}

	return &chain.Response{StatusCode: http.StatusOK, Body: ImageResponse{
		Images:    images,
		Cost:      realCost,
		RequestID: req.RequestID,
		Failed:    n - len(images),
	}}
}

// Video runs the configured pipeline, if any, then makes one provider call.
func (h *Handler) Video(ctx context.Context, req *chain.Request) *chain.Response {
	model, ok := h.catalog.Model(req.Params.Model)
	if !ok || model.Kind != config.KindVideo {
		return h.reject(ctx, req, shared.ErrUnknownModel)
	}
	h.spend.AddInFlight(req.UserID)
	start := time.Now()
	p := req.Params

	var pipeline string
	if h.dispatcher != nil {
		res, err := h.dispatcher.Dispatch(ctx, req.UserID, p)
		if err != nil {
			req.Logger.Errorw("pipeline failed", "kind", p.MetaData.VideoPipelineType, "error", err)
			return h.fail(ctx, req, err)
		}
		if res != nil {
			pipeline = p.MetaData.VideoPipelineType
			p.Image = res.ImageURL
			p.Images = nil
			if res.Prompt != "" {
				if p.OriginalPrompt == "" {
					p.OriginalPrompt = p.Prompt
				}
				p.Prompt = res.Prompt
			}
		}
	}
	if pipeline == "" && h.images != nil {
		p.Image = h.images.PrimaryImage(ctx, p)
	}
	if p.Prompt == "" {
		return h.fail(ctx, req, shared.ErrMissingPrompt)
	}

	out, err := h.generator.Generate(ctx, model, input(req))
	metrics.GenerationDuration.WithLabelValues(model.Name, p.Tool).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationCount.WithLabelValues(model.Name, "failed").Inc()
		req.Logger.Warnw("video generation failed", "error", err)
		return h.fail(ctx, req, err)
	}
	url, err := h.publish(ctx, req, out)
	if err != nil {
		req.Logger.Errorw("failed uploading video", "error", err)
		return h.fail(ctx, req, err)
	}
	metrics.GenerationCount.WithLabelValues(model.Name, "succeeded").Inc()

	realCost := h.EstimateCost(req)
	settled := h.settle(ctx, req, realCost, 1)
	h.store(ctx, req, []string{url})
	if !settled {
		return unpaid([]string{url})
	}

	return &chain.Response{StatusCode: http.StatusOK, Body: VideoResponse{
		URL:       url,
		Cost:      realCost,
		RequestID: req.RequestID,
		Pipeline:  pipeline,
	}}
}

// Finish writes the generation_log row for req in the background. It runs
// for every request that reached the chain, whatever the outcome.
func (h *Handler) Finish(req *chain.Request) {
	if h.records == nil || req.UserID == 0 {
		return
	}
	entry := *req.Log
	if entry.Status == shared.StatusProcessing {
		entry.Status = shared.StatusFailed
		entry.Cost = 0
	}
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.records.SaveGenerationLog(ctx, req.UserID, entry); err != nil {
			h.log.Errorw("failed saving generation log", "error", err, "request_id", req.RequestID)
			metrics.ErrorCount.WithLabelValues(entry.Model, entry.Tool, "generation_log").Inc()
		}
	}()
}
