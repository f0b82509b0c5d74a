package generation

import (
	"context"
	"errors"
	"strings"

	"genflow-api/internal/chain"
	"genflow-api/internal/config"
	"genflow-api/internal/shared"
)

// RequireUser rejects requests that reached the chain without a user.
func RequireUser() chain.Middleware {
	return func(_ context.Context, req *chain.Request) chain.Result {
		if req.UserID == 0 {
			return chain.StopWithError(shared.ErrUnauthorized)
		}
		return chain.Continue()
	}
}

// BindParams validates and normalizes the params of a kind route.
func (h *Handler) BindParams(kind config.Kind) chain.Middleware {
	return func(_ context.Context, req *chain.Request) chain.Result {
		p := req.Params
		p.Model = strings.TrimSpace(p.Model)
		model, ok := h.catalog.Model(p.Model)
		if !ok || model.Kind != kind {
			return chain.StopWithError(shared.ErrUnknownModel)
		}
		p.Prompt = strings.TrimSpace(p.Prompt)

		switch kind {
		case config.KindImage:
			if p.Prompt == "" {
				return chain.StopWithError(shared.ErrMissingPrompt)
			}
			if p.NumImages == 0 {
				p.NumImages = shared.DefaultNumImages
			}
			if p.NumImages < 0 || p.NumImages > shared.MaxImagesPerRequest {
				return chain.StopWithError(shared.NewValidationError("num_images must be between 1 and %d", shared.MaxImagesPerRequest))
			}
		case config.KindVideo:
			if p.Prompt == "" && p.UserImage() == "" && p.MetaData.VideoPipelineType == "" {
				return chain.StopWithError(shared.ErrMissingPrompt)
			}
			if p.Duration < 0 || p.Duration > shared.MaxVideoDuration {
				return chain.StopWithError(shared.NewValidationError("duration must be between 0 and %d seconds", shared.MaxVideoDuration))
			}
			p.NumImages = 1
		}
		if len(p.Images) > shared.MaxImagesPerRequest {
			return chain.StopWithError(shared.NewValidationError("at most %d images are allowed", shared.MaxImagesPerRequest))
		}
		if p.Size != nil && (p.Size.Width < 0 || p.Size.Height < 0) {
			return chain.StopWithError(shared.NewValidationError("size must not be negative"))
		}

		req.Log.Model = p.Model
		req.Log.Tool = p.Tool
		return chain.Continue()
	}
}

// EstimateCost is the price charged up front for req.
func (h *Handler) EstimateCost(req *chain.Request) uint64 {
	p := req.Params
	model, ok := h.catalog.Model(p.Model)
	if !ok {
		return 0
	}
	if model.Kind == config.KindVideo {
		cost := model.UnitCost(p.Duration)
		if h.dispatcher != nil {
			cost = shared.AddCost(cost, h.dispatcher.ExtraCost(p.MetaData.VideoPipelineType))
		}
		return cost
	}
	return shared.TotalCost(model.UnitCost(0), p.NumImages)
}

// CreditGate reserves the estimated cost. It runs after every step that can
// change what is billed.
func (h *Handler) CreditGate() chain.Middleware {
	return func(ctx context.Context, req *chain.Request) chain.Result {
		cost := h.EstimateCost(req)
		res, err := h.Ledger(req.UserID, req.Logger).Reserve(ctx, cost, req.Params.Tool)
		if err != nil {
			if !errors.Is(err, shared.ErrNoCredits) {
				req.Logger.Errorw("failed reserving credits", "error", err)
			}
			return chain.StopWithError(err)
		}
		req.Reservation = res
		req.Log.Cost = cost
		return chain.Continue()
	}
}

// TryGenerate applies the per user generation limit. A rejected request
// gets its reservation back.
func (h *Handler) TryGenerate() chain.Middleware {
	return func(ctx context.Context, req *chain.Request) chain.Result {
		if h.limiter == nil {
			return chain.Continue()
		}
		ok, err := h.limiter.Allow(ctx, req.UserID)
		if err != nil {
			req.Logger.Errorw("Error checking rate limit", "error", err)
		}
		if err != nil || !ok {
			if req.Reservation != nil {
				req.Reservation.Release(ctx)
			}
			req.Log.Status = shared.StatusFailed
			req.Log.Cost = 0
			status, body := shared.ErrorBodyFrom(shared.ErrRateLimited)
			return chain.Stop(status, body)
		}
		return chain.Continue()
	}
}

func errorResponse(err error) *chain.Response {
	status, body := shared.ErrorBodyFrom(err)
	return &chain.Response{StatusCode: status, Body: body}
}
