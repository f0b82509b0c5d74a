// Package routers
package routers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"genflow-api/internal/chain"
	"genflow-api/internal/characters"
	"genflow-api/internal/config"
	"genflow-api/internal/credits"
	"genflow-api/internal/ctx"
	"genflow-api/internal/handlers/generation"
	"genflow-api/internal/middleware"
	"genflow-api/internal/prompts"
	"genflow-api/internal/shared"

	"github.com/labstack/echo/v4"
)

type GenerationRouterConfig struct {
	Handler  *generation.Handler
	Improver *prompts.Improver
	Resolver *characters.Resolver
	Catalog  *config.Catalog
	Credits  credits.Store
}

type GenerationRouter struct {
	gh      *generation.Handler
	catalog *config.Catalog
	credits credits.Store
	image   *chain.Chain
	video   *chain.Chain
}

// Chains lists the generation stages for one kind. Every generation route
// is assembled here and nowhere else.
func Chains(cfg GenerationRouterConfig, kind config.Kind) *chain.Chain {
	return chain.Must(
		chain.Step{Stage: chain.StageAuth, Fn: generation.RequireUser()},
		chain.Step{Stage: chain.StageBindParams, Fn: cfg.Handler.BindParams(kind)},
		chain.Step{Stage: chain.StageTranslate, Fn: cfg.Improver.TranslateMiddleware()},
		chain.Step{Stage: chain.StageImprovePrompt, Fn: cfg.Improver.Middleware()},
		chain.Step{Stage: chain.StageReplaceCharacters, Fn: cfg.Resolver.Middleware(cfg.Catalog.IsTagBased)},
		chain.Step{Stage: chain.StageCreditGate, Fn: cfg.Handler.CreditGate()},
		chain.Step{Stage: chain.StageTryGenerate, Fn: cfg.Handler.TryGenerate()},
	)
}

func RegisterGenerationRoutes(e *echo.Group, um *middleware.UserManager, cfg GenerationRouterConfig) *GenerationRouter {
	gr := &GenerationRouter{
		gh:      cfg.Handler,
		catalog: cfg.Catalog,
		credits: cfg.Credits,
		image:   Chains(cfg, config.KindImage),
		video:   Chains(cfg, config.KindVideo),
	}

	v1 := e.Group("v1")
	requireUser := v1.Group("", um.ExtractUser, um.RequireUser)

	v1.GET("/models", gr.GetModels)
	requireUser.GET("/credits", gr.GetCredits)
	requireUser.POST("/generate/image", gr.GenerateImage)
	requireUser.POST("/generate/video", gr.GenerateVideo)
	return gr
}

type ModelList struct {
	Data []config.Model `json:"data"`
}

func (gr *GenerationRouter) GetModels(cc echo.Context) error {
	return cc.JSON(http.StatusOK, ModelList{Data: gr.catalog.Models()})
}

type CreditsResponse struct {
	Credits uint64 `json:"credits"`
}

func (gr *GenerationRouter) GetCredits(cc echo.Context) error {
	c := cc.(*ctx.Context)
	rctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	balance, err := gr.credits.Balance(rctx, c.User.UserID)
	if err != nil {
		c.LogValues.AddError(errors.Join(errors.New("failed to get credits"), err))
		status, body := shared.ErrorBodyFrom(shared.ErrInternalServerError)
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, CreditsResponse{Credits: balance})
}

func (gr *GenerationRouter) GenerateImage(cc echo.Context) error {
	return gr.generate(cc, gr.image, gr.gh.Image)
}

func (gr *GenerationRouter) GenerateVideo(cc echo.Context) error {
	return gr.generate(cc, gr.video, gr.gh.Video)
}

func (gr *GenerationRouter) generate(cc echo.Context, steps *chain.Chain, run func(context.Context, *chain.Request) *chain.Response) error {
	c := cc.(*ctx.Context)
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.LogValues.AddError(err)
		status, eb := shared.ErrorBodyFrom(shared.ErrInvalidRequest)
		return c.JSON(status, eb)
	}
	var params shared.GenerationParams
	if err := json.Unmarshal(body, &params); err != nil {
		c.LogValues.AddError(err)
		status, eb := shared.ErrorBodyFrom(shared.ErrInvalidRequest)
		return c.JSON(status, eb)
	}

	req := chain.NewRequest(c.User.UserID, c.Reqid, &params, c.Log)
	rctx := c.Request().Context()

	info := &ctx.GenerationInfo{}
	resp := steps.Run(rctx, req)
	if resp != nil {
		info.ChainStopped = true
	} else {
		resp = run(rctx, req)
	}
	gr.gh.Finish(req)

	info.Model = req.Log.Model
	info.Tool = req.Log.Tool
	info.Pipeline = params.MetaData.VideoPipelineType
	info.Cost = req.Log.Cost
	switch b := resp.Body.(type) {
	case generation.ImageResponse:
		info.Outputs = len(b.Images)
	case generation.VideoResponse:
		info.Outputs = 1
	case shared.ErrorBody:
		c.LogValues.AddError(errors.New(b.Error))
	}
	c.LogValues.GenerationInfo = info
	return c.JSON(resp.StatusCode, resp.Body)
}
