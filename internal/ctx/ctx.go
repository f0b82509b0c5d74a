// Package ctx
package ctx

import (
	"fmt"
	"time"

	"genflow-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationInfo is filled by generation routes once the chain has run.
type GenerationInfo struct {
	Model        string
	Tool         string
	Pipeline     string
	Cost         uint64
	Outputs      int
	ChainStopped bool
}

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	ExternalID      string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in user middleware
	UserID   uint64
	Credits  uint64
	Internal bool

	GenerationInfo *GenerationInfo

	// Override log Log Level
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the reuqest
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

// Level picks the end of request log level from the override or the
// status code.
func (c *ContextLogValues) Level() zapcore.Level {
	if c.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(c.LogLevel); err == nil {
			return lvl
		}
	}
	switch {
	case c.StatusCode >= 500:
		return zapcore.ErrorLevel
	case c.StatusCode >= 400 || c.Error != nil:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != 0 {
		enc.AddUint64("user_id", c.UserID)
		enc.AddUint64("credits", c.Credits)
		enc.AddBool("internal", c.Internal)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddString("external_id", c.ExternalID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if g := c.GenerationInfo; g != nil {
		enc.AddString("model", g.Model)
		enc.AddString("tool", g.Tool)
		if g.Pipeline != "" {
			enc.AddString("pipeline", g.Pipeline)
		}
		enc.AddUint64("cost", g.Cost)
		enc.AddInt("outputs", g.Outputs)
		if g.ChainStopped {
			enc.AddBool("chain_stopped", true)
		}
	}
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	User      *shared.UserMetadata
	LogValues *ContextLogValues
}
