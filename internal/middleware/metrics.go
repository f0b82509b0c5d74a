package middleware

import (
	"fmt"
	"time"

	"genflow-api/internal/ctx"
	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			reqID = "req_" + reqID
			externalID := c.Request().Header.Get(shared.ExternalRequestHeader)
			logger := log.With("request_id", reqID)
			if externalID != "" {
				logger = logger.With("externalid", externalID)
			}

			start := time.Now()
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID:  reqID,
					ExternalID: externalID,
					StartTime:  start,
					Path:       c.Path(),
				},
			}
			c.Response().Header().Set(shared.ExternalRequestHeader, reqID)
			err := next(cc)

			lv := cc.LogValues
			lv.RequestDuration = time.Since(start)
			lv.StatusCode = cc.Response().Status
			cc.Log.Desugar().Check(lv.Level(), "end_of_request").Write(zap.Object("request", lv))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return err
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			status, body := shared.ErrorBodyFrom(shared.ErrInternalServerError)
			return c.JSON(status, body)
		},
	})
}
