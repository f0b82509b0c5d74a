// Package generation runs image and video generations once the request
// chain has accepted a request.
package generation

import (
	"context"
	"sync"

	"genflow-api/internal/config"
	"genflow-api/internal/credits"
	"genflow-api/internal/pipelines"
	"genflow-api/internal/providers"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

type Generator interface {
	Generate(ctx context.Context, model config.Model, in providers.Input) (*providers.Output, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string, userID uint64, watermark bool) (string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID uint64, params *shared.GenerationParams) (*pipelines.Result, error)
	ExtraCost(kind string) uint64
}

type ImageResolver interface {
	PrimaryImage(ctx context.Context, params *shared.GenerationParams) string
}

type SpendRecorder interface {
	AddInFlight(userID uint64)
	RemoveInFlight(userID uint64)
	AddSpend(rec *shared.SpendRecord)
}

type Recorder interface {
	SaveGenerations(ctx context.Context, records []shared.GenerationRecord) error
	SaveGenerationLog(ctx context.Context, userID uint64, log shared.GenerationLog) error
}

// Limiter admits generations per user.
type Limiter interface {
	Allow(ctx context.Context, userID uint64) (bool, error)
}

type Deps struct {
	Catalog    *config.Catalog
	Credits    credits.Store
	Generator  Generator
	Uploader   Uploader
	Dispatcher Dispatcher
	Images     ImageResolver
	Spend      SpendRecorder
	Records    Recorder
	Limiter    Limiter
	Log        *zap.SugaredLogger
}

type Handler struct {
	catalog    *config.Catalog
	credits    credits.Store
	generator  Generator
	uploader   Uploader
	dispatcher Dispatcher
	images     ImageResolver
	spend      SpendRecorder
	records    Recorder
	limiter    Limiter
	log        *zap.SugaredLogger

	pending sync.WaitGroup
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		catalog:    d.Catalog,
		credits:    d.Credits,
		generator:  d.Generator,
		uploader:   d.Uploader,
		dispatcher: d.Dispatcher,
		images:     d.Images,
		spend:      d.Spend,
		records:    d.Records,
		limiter:    d.Limiter,
		log:        log,
	}
}

// Ledger binds the credit store to one user.
func (h *Handler) Ledger(userID uint64, log *zap.SugaredLogger) *credits.Ledger {
	return credits.NewLedger(h.credits, userID, log)
}

// Wait blocks until background writes started by Finish are done.
func (h *Handler) Wait() {
	h.pending.Wait()
}
