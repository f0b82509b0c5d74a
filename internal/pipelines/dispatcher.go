// Package pipelines runs multi stage video preparation declared by a
// request's meta_data.video_pipeline_type.
package pipelines

import (
	"context"
	"fmt"
	"sync"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

// Result replaces the request image and prompt for the final generation.
type Result struct {
	ImageURL string
	Prompt   string
}

type Handler func(ctx context.Context, userID uint64, params *shared.GenerationParams, prompts Prompts) (*Result, error)

type TemplateSource interface {
	PipelinePrompts(ctx context.Context, styleID, kind string, vars map[string]string) (Prompts, error)
}

type kind struct {
	handler   Handler
	extraCost uint64
}

type Dispatcher struct {
	mu        sync.RWMutex
	kinds     map[string]kind
	templates TemplateSource
	log       *zap.SugaredLogger
}

func NewDispatcher(templates TemplateSource, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{kinds: map[string]kind{}, templates: templates, log: log}
}

// Register adds or replaces a pipeline kind. extraCost is charged on top of
// the model's price.
func (d *Dispatcher) Register(name string, extraCost uint64, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds[name] = kind{handler: h, extraCost: extraCost}
}

func (d *Dispatcher) lookup(name string) (kind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.kinds[name]
	return k, ok
}

// ExtraCost is the surcharge of a registered kind, 0 otherwise.
func (d *Dispatcher) ExtraCost(name string) uint64 {
	k, _ := d.lookup(name)
	return k.extraCost
}

// Dispatch returns nil, nil when no pipeline applies: no declared kind, an
// unknown kind, no style, or no templates for the style. Handler errors are
// returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, userID uint64, params *shared.GenerationParams) (*Result, error) {
	name := params.MetaData.VideoPipelineType
	if name == "" {
		return nil, nil
	}
	k, ok := d.lookup(name)
	if !ok {
		d.log.Warnw("unknown pipeline type, falling back to default flow", "type", name)
		metrics.PipelineCount.WithLabelValues(name, "unknown").Inc()
		return nil, nil
	}
	styleID := params.MetaData.StyleID
	if styleID == "" {
		d.log.Warnw("pipeline requested without style_id", "type", name)
		metrics.PipelineCount.WithLabelValues(name, "no_style").Inc()
		return nil, nil
	}

	prompts, err := d.templates.PipelinePrompts(ctx, styleID, name, params.MetaData.Vars)
	if err != nil {
		d.log.Errorw("failed loading pipeline prompts", "error", err, "style_id", styleID)
	}
	if err != nil || prompts.Empty() {
		metrics.PipelineCount.WithLabelValues(name, "no_templates").Inc()
		return nil, nil
	}

	d.log.Infow("running pipeline", "type", name, "style_id", styleID)
	res, err := k.handler(ctx, userID, params, prompts)
	if err != nil {
		metrics.PipelineCount.WithLabelValues(name, "failed").Inc()
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}
	metrics.PipelineCount.WithLabelValues(name, "succeeded").Inc()
	return res, nil
}
