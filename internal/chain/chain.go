// Package chain runs the ordered, short circuiting request stages that sit
// in front of every generation handler.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"genflow-api/internal/credits"
	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

// Stage names a position in the request chain. Stages are totally ordered
// and a chain must list them in strictly increasing order.
type Stage int

const (
	StageAuth Stage = iota + 1
	StageBindParams
	StageTranslate
	StageImprovePrompt
	StageReplaceCharacters
	StageCreditGate
	StageTryGenerate
)

func (s Stage) String() string {
	switch s {
	case StageAuth:
		return "auth"
	case StageBindParams:
		return "bind_params"
	case StageTranslate:
		return "translate"
	case StageImprovePrompt:
		return "improve_prompt"
	case StageReplaceCharacters:
		return "replace_characters"
	case StageCreditGate:
		return "credit_gate"
	case StageTryGenerate:
		return "try_generate"
	}
	return "stage_" + strconv.Itoa(int(s))
}

// Request is the mutable per request context threaded through every step.
// UserID is resolved before the chain starts and never changes.
type Request struct {
	UserID    uint64
	RequestID string
	Params    *shared.GenerationParams
	Log       *shared.GenerationLog

	// Set by the credit gate, settled by the handler.
	Reservation *credits.Reservation

	Logger *zap.SugaredLogger
}

func NewRequest(userID uint64, requestID string, params *shared.GenerationParams, logger *zap.SugaredLogger) *Request {
	if params == nil {
		params = &shared.GenerationParams{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Request{
		UserID:    userID,
		RequestID: requestID,
		Params:    params,
		Log: &shared.GenerationLog{
			Model:  params.Model,
			Tool:   params.Tool,
			Status: shared.StatusProcessing,
		},
		Logger: logger,
	}
}

type Response struct {
	StatusCode int
	Body       any
}

type Result struct {
	Success  bool
	Response *Response
}

type Middleware func(ctx context.Context, req *Request) Result

func Continue() Result {
	return Result{Success: true}
}

func Stop(status int, body any) Result {
	return Result{Response: &Response{StatusCode: status, Body: body}}
}

// StopWithError renders err through the shared error taxonomy.
func StopWithError(err error) Result {
	status, body := shared.ErrorBodyFrom(err)
	return Stop(status, body)
}

type Step struct {
	Stage Stage
	Fn    Middleware
}

var (
	ErrOutOfOrder = errors.New("chain stages out of order")
	ErrNilStep    = errors.New("chain step has no middleware")
)

// Chain is immutable once built and may be shared by concurrent requests.
type Chain struct {
	steps []Step
}

// New is the single place a chain is assembled. Steps must be listed in
// strictly increasing stage order.
func New(steps ...Step) (*Chain, error) {
	var last Stage
	for i, s := range steps {
		if s.Fn == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilStep, s.Stage)
		}
		if i > 0 && s.Stage <= last {
			return nil, fmt.Errorf("%w: %s registered after %s", ErrOutOfOrder, s.Stage, last)
		}
		last = s.Stage
	}
	return &Chain{steps: append([]Step(nil), steps...)}, nil
}

func Must(steps ...Step) *Chain {
	c, err := New(steps...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Chain) Stages() []Stage {
	out := make([]Stage, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.Stage
	}
	return out
}

// Run invokes each step in order. It returns nil when every step succeeded,
// otherwise the response of the first failing step. Later steps do not run
// and mutations already applied to req are kept.
func (c *Chain) Run(ctx context.Context, req *Request) *Response {
	for _, s := range c.steps {
		start := time.Now()
		res := s.Fn(ctx, req)
		metrics.ChainStepDuration.WithLabelValues(s.Stage.String()).Observe(time.Since(start).Seconds())
		if res.Success {
			continue
		}
		resp := res.Response
		if resp == nil {
			status, body := shared.ErrorBodyFrom(shared.ErrInternalServerError)
			resp = &Response{StatusCode: status, Body: body}
		}
		metrics.ChainRejections.WithLabelValues(s.Stage.String(), strconv.Itoa(resp.StatusCode)).Inc()
		if req.Logger != nil {
			req.Logger.Infow("chain stopped", "stage", s.Stage.String(), "status_code", resp.StatusCode)
		}
		return resp
	}
	return nil
}
