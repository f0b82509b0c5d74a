// Package prompts rewrites user prompts with a language model before
// generation.
package prompts

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"genflow-api/internal/characters"
	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

type Completer interface {
	Complete(ctx context.Context, instruction string) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

type Catalog interface {
	IsTagBased(model string) bool
	StyleText(tag string) string
}

// Describer returns the generated descriptions of custom characters that
// have no alt prompt.
type Describer interface {
	Descriptions(ctx context.Context, ids []string) []characters.Description
}

type Improver struct {
	llm        Completer
	translator Translator
	catalog    Catalog
	describer  Describer
	log        *zap.SugaredLogger
}

func NewImprover(llm Completer, translator Translator, catalog Catalog, describer Describer, log *zap.SugaredLogger) *Improver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Improver{llm: llm, translator: translator, catalog: catalog, describer: describer, log: log}
}

const (
	tagInstruction = `Current user input prompt for image generation: "%s"
Optimize and slightly expand from the user prompt, use English danbooru tags, use space instead of _ in the danbooru tags, use comma to separate danbooru tags. When mentioning popular IP characters if any, keep the same way as how the user mention the character. Directly output the optimized danbooru tags without anything else.`

	tagWithDescriptionsInstruction = `Current user input prompt for image generation: "%s"

%s

Now generate and slightly expand the image generation prompt for danbooru model, use English danbooru tags, use space instead of _ in the danbooru tags, use comma to separate danbooru tags. Directly output the optimized danbooru tags without anything else.`

	naturalInstruction = `Current user input prompt for image generation: "%s"
Optimize and slightly expand from the user prompt in one or two natural language sentences, use the same language as the user prompt. If there's special phrase wrapped in brackets or square brackets, e.g., <character-id> or @character-id or [style-name], keep them as is: use the exact same characters and keep them in their brackets or square brackets or @something. If there's no special phrase wrapped in brackets or square brackets or @something in the original prompt, don't add any. Directly output the optimized prompt without anything else, use the same language as in the user input.`
)

// Instruction builds the language model input for prompt and model.
func (i *Improver) Instruction(ctx context.Context, prompt, model string) string {
	if !i.catalog.IsTagBased(model) {
		return fmt.Sprintf(naturalInstruction, prompt)
	}
	ids := characters.ExtractMentions(prompt)
	if len(ids) == 0 || i.describer == nil {
		return fmt.Sprintf(tagInstruction, prompt)
	}
	descs := i.describer.Descriptions(ctx, ids)
	if len(descs) == 0 {
		return fmt.Sprintf(tagInstruction, prompt)
	}
	lines := make([]string, 0, len(descs))
	for _, d := range descs {
		lines = append(lines, fmt.Sprintf("Description prompt for @%s: \"%s\"", d.ID, d.Text))
	}
	return fmt.Sprintf(tagWithDescriptionsInstruction, prompt, strings.Join(lines, "\n"))
}

// Improve makes one language model call. An empty prompt is returned as
// is without calling upstream.
func (i *Improver) Improve(ctx context.Context, prompt, model string) (string, error) {
	if prompt == "" {
		return "", nil
	}
	out, err := i.llm.Complete(ctx, i.Instruction(ctx, prompt, model))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ImproveWithFallback never fails. Errors count as empty answers, an empty
// answer is retried once, and after that original is returned, translated
// when it is mostly non ASCII.
func (i *Improver) ImproveWithFallback(ctx context.Context, rewritten, original, model string) string {
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := i.Improve(ctx, rewritten, model)
		if err != nil {
			i.log.Warnw("prompt improvement failed", "attempt", attempt, "error", err)
		}
		if out != "" {
			metrics.PromptImprovement.WithLabelValues(outcomeLabel(attempt)).Inc()
			return out
		}
		if err == nil {
			i.log.Warnw("prompt improvement returned nothing", "attempt", attempt)
		}
	}

	if IsPrimarilyASCII(original) || i.translator == nil {
		metrics.PromptImprovement.WithLabelValues("original").Inc()
		return original
	}
	translated, err := i.translator.Translate(ctx, original, shared.WorkingLanguage)
	if err != nil || translated == "" {
		i.log.Warnw("fallback translation failed, using original prompt", "error", err)
		metrics.PromptImprovement.WithLabelValues("original").Inc()
		return original
	}
	metrics.PromptImprovement.WithLabelValues("translated").Inc()
	return translated
}

func outcomeLabel(attempt int) string {
	if attempt == 1 {
		return "improved"
	}
	return "improved_retry"
}

var bracketTag = regexp.MustCompile(`\[.*?\]`)

// IsPrimarilyASCII reports whether fewer than a fifth of the characters of
// text, ignoring [style] tags, fall outside printable ASCII.
func IsPrimarilyASCII(text string) bool {
	cleaned := strings.TrimSpace(bracketTag.ReplaceAllString(text, ""))
	if cleaned == "" {
		return true
	}
	total, other := 0, 0
	for _, r := range cleaned {
		total++
		if r < 0x20 || r > 0x7E {
			other++
		}
	}
	return float64(other)/float64(total) < shared.MaxNonASCIIRatio
}

var styleTag = regexp.MustCompile(`\[(.+?)\]`)

// SplitStyle returns prompt without its first [style] tag and the tag
// itself. tag is empty when prompt has none.
func SplitStyle(prompt string) (rest, tag string) {
	loc := styleTag.FindStringIndex(prompt)
	if loc == nil {
		return prompt, ""
	}
	return prompt[:loc[0]] + prompt[loc[1]:], prompt[loc[0]:loc[1]]
}
