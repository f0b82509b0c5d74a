package characters

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"genflow-api/internal/chain"
	"genflow-api/internal/shared"
)

const (
	ErrCharacterNotSupported = "CHARACTER_NOT_SUPPORTED_BY_ANIME_MODEL"
	SuggestedReferenceModel  = "Seedream"
)

// Middleware handles mentions in the prompt. Tag based models get mentions
// rewritten to stored text or a readable name, and a stored character with
// no text rejects the request since those models cannot take reference
// images. Other models keep the prompt as written and get the stored images
// as character references.
func (r *Resolver) Middleware(tagBased func(model string) bool) chain.Middleware {
	return func(ctx context.Context, req *chain.Request) chain.Result {
		p := req.Params
		ids := ExtractMentions(p.Prompt)
		if len(ids) == 0 {
			return chain.Continue()
		}
		res := r.Resolve(ctx, ids)

		if !tagBased(p.Model) {
			for _, img := range res.Images() {
				if !slices.Contains(p.CharacterImages, img) {
					p.CharacterImages = append(p.CharacterImages, img)
				}
			}
			return chain.Continue()
		}

		if unsupported := res.Unsupported(); len(unsupported) > 0 {
			return chain.Stop(400, shared.ErrorBody{
				Error:     ErrCharacterNotSupported,
				ErrorCode: shared.CodeInvalidParams,
				Message: fmt.Sprintf("The following characters are not supported by Anime models: %s. "+
					"These characters don't have text descriptions and require a General model like %s that uses reference images.",
					strings.Join(unsupported, ", "), SuggestedReferenceModel),
				Details: map[string]any{
					"unsupported_characters": unsupported,
					"suggested_model":        SuggestedReferenceModel,
				},
			})
		}

		p.UserPrompt = p.Prompt
		original := p.OriginalPrompt
		if original == "" {
			original = p.Prompt
		}
		p.Prompt = res.Substitute(p.Prompt)
		p.OriginalPrompt = res.Substitute(original)
		req.Logger.Debugw("replaced character mentions", "ids", res.IDs())
		return chain.Continue()
	}
}

// PrimaryImage picks the reference image for single image flows: the
// request image, then the first character image, then the first stored
// image of a mentioned character. Empty when none exists.
func (r *Resolver) PrimaryImage(ctx context.Context, p *shared.GenerationParams) string {
	if img := p.UserImage(); img != "" {
		return img
	}
	if len(p.CharacterImages) > 0 {
		return p.CharacterImages[0]
	}
	ids := ExtractMentions(p.Prompt)
	if len(ids) == 0 {
		return ""
	}
	if imgs := r.ResolveImages(ctx, ids); len(imgs) > 0 {
		return imgs[0]
	}
	return ""
}
