package pipelines

import (
	"context"
	"errors"
	"fmt"

	"genflow-api/internal/gemini"
	"genflow-api/internal/prompts"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	KindEditThenGenerate = "type2"
	KindEditAndCaption   = "type3"
)

type ImageEditor interface {
	Edit(ctx context.Context, prompt, imageRef string) (*gemini.Image, error)
}

type Captioner interface {
	Caption(ctx context.Context, imageRef, instruction string) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string, userID uint64, watermark bool) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Stages holds the collaborators of the built in pipeline kinds.
type Stages struct {
	editor     ImageEditor
	captioner  Captioner
	uploader   Uploader
	translator Translator
	log        *zap.SugaredLogger
}

func NewStages(editor ImageEditor, captioner Captioner, uploader Uploader, translator Translator, log *zap.SugaredLogger) *Stages {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Stages{editor: editor, captioner: captioner, uploader: uploader, translator: translator, log: log}
}

// Register adds type2 and type3 to d.
func (s *Stages) Register(d *Dispatcher) {
	d.Register(KindEditThenGenerate, 0, s.EditThenGenerate)
	d.Register(KindEditAndCaption, 0, s.EditAndCaption)
}

func requireInputs(kind string, params *shared.GenerationParams, p Prompts) (string, error) {
	img := params.UserImage()
	switch {
	case img == "":
		return "", shared.NewValidationError("%s: user image is required", kind)
	case p.Prompt1 == "":
		return "", shared.NewValidationError("%s: prompt1 is required", kind)
	case p.Prompt2 == "":
		return "", shared.NewValidationError("%s: prompt2 is required", kind)
	}
	return img, nil
}

// EditThenGenerate edits the user image with prompt1 and hands the new
// image to the video model together with prompt2.
func (s *Stages) EditThenGenerate(ctx context.Context, userID uint64, params *shared.GenerationParams, p Prompts) (*Result, error) {
	img, err := requireInputs(KindEditThenGenerate, params, p)
	if err != nil {
		return nil, err
	}
	url, err := s.editAndUpload(ctx, userID, p.Prompt1, img)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("pipeline image uploaded", "type", KindEditThenGenerate, "url", url)
	return &Result{ImageURL: url, Prompt: s.translateTemplate(ctx, p.Prompt2, params)}, nil
}

// EditAndCaption edits the user image with prompt1 while the vision model
// writes the video prompt from the original image and prompt2. Either
// branch failing fails the pipeline.
func (s *Stages) EditAndCaption(ctx context.Context, userID uint64, params *shared.GenerationParams, p Prompts) (*Result, error) {
	img, err := requireInputs(KindEditAndCaption, params, p)
	if err != nil {
		return nil, err
	}

	var url, caption string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		url, err = s.editAndUpload(gctx, userID, p.Prompt1, img)
		return err
	})
	g.Go(func() error {
		instruction := s.translateTemplate(gctx, p.Prompt2, params)
		var err error
		caption, err = s.captioner.Caption(gctx, img, instruction)
		if err != nil {
			return fmt.Errorf("failed captioning image: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debugw("pipeline image uploaded", "type", KindEditAndCaption, "url", url, "prompt", shared.Truncate(caption, 100))
	return &Result{ImageURL: url, Prompt: caption}, nil
}

// editAndUpload stores the edited image unwatermarked since it is an
// intermediate input to the video model.
func (s *Stages) editAndUpload(ctx context.Context, userID uint64, prompt, img string) (string, error) {
	edited, err := s.editor.Edit(ctx, prompt, img)
	if err != nil {
		if errors.Is(err, shared.ErrModerationBlocked) {
			return "", err
		}
		return "", fmt.Errorf("failed editing image: %w", err)
	}
	url, err := s.uploader.Upload(ctx, edited.Data, edited.MIMEType, userID, false)
	if err != nil {
		return "", fmt.Errorf("failed uploading edited image: %w", err)
	}
	return url, nil
}

// translateTemplate is best effort. Failures keep the template text.
func (s *Stages) translateTemplate(ctx context.Context, text string, params *shared.GenerationParams) string {
	if s.translator == nil || params.SkipTranslation() || prompts.IsPrimarilyASCII(text) {
		return text
	}
	out, err := s.translator.Translate(ctx, text, shared.WorkingLanguage)
	if err != nil || out == "" {
		s.log.Warnw("template translation failed, using original", "error", err)
		return text
	}
	return out
}
