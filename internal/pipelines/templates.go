package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"genflow-api/internal/shared"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Prompts are the per kind templates of one style.
type Prompts struct {
	Prompt1 string `json:"prompt1,omitempty"`
	Prompt2 string `json:"prompt2,omitempty"`
}

func (p Prompts) Empty() bool {
	return p.Prompt1 == "" && p.Prompt2 == ""
}

type PromptSource interface {
	TemplatePrompt(ctx context.Context, id string) ([]byte, error)
}

// Templates reads pipeline prompts from style templates. Parsed templates,
// including missing ones, are kept for shared.TemplateCacheTTL.
type Templates struct {
	src   PromptSource
	cache *cache.Cache
	log   *zap.SugaredLogger
}

func NewTemplates(src PromptSource, log *zap.SugaredLogger) *Templates {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Templates{
		src:   src,
		cache: cache.New(shared.TemplateCacheTTL, shared.CacheCleanupInterval),
		log:   log,
	}
}

var templateSuffix = regexp.MustCompile(`-(v|i)$`)

// CleanTemplateID drops the -v / -i variant suffix of a template id.
func CleanTemplateID(id string) string {
	return templateSuffix.ReplaceAllString(id, "")
}

func (t *Templates) load(ctx context.Context, id string) (map[string]Prompts, error) {
	if v, ok := t.cache.Get(id); ok {
		return v.(map[string]Prompts), nil
	}
	raw, err := t.src.TemplatePrompt(ctx, id)
	if err != nil {
		return nil, err
	}
	parsed := map[string]Prompts{}
	if len(raw) > 0 {
		// Templates that are not pipeline templates hold plain strings
		// under other keys.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.log.Warnw("style template prompt is not an object", "id", id)
		}
		for k, v := range fields {
			var p Prompts
			if json.Unmarshal(v, &p) == nil && !p.Empty() {
				parsed[k] = p
			}
		}
	}
	t.cache.SetDefault(id, parsed)
	return parsed, nil
}

// PipelinePrompts returns the kind's templates of styleID with vars filled
// in. A missing template or kind yields empty Prompts.
func (t *Templates) PipelinePrompts(ctx context.Context, styleID, kind string, vars map[string]string) (Prompts, error) {
	id := CleanTemplateID(styleID)
	all, err := t.load(ctx, id)
	if err != nil {
		return Prompts{}, fmt.Errorf("failed loading template %s: %w", id, err)
	}
	p, ok := all[kind]
	if !ok {
		t.log.Warnw("no pipeline prompts for template", "id", id, "kind", kind)
		return Prompts{}, nil
	}
	return Prompts{
		Prompt1: ApplyVars(p.Prompt1, vars),
		Prompt2: ApplyVars(p.Prompt2, vars),
	}, nil
}

// ApplyVars fills ${k}, $$k$$, {{k}} and {k} placeholders. Empty values
// leave their placeholders in place.
func ApplyVars(prompt string, vars map[string]string) string {
	if prompt == "" || len(vars) == 0 {
		return prompt
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		if v == "" {
			continue
		}
		prompt = strings.NewReplacer(
			"${"+k+"}", v,
			"$$"+k+"$$", v,
			"{{"+k+"}}", v,
		).Replace(prompt)
		prompt = strings.ReplaceAll(prompt, "{"+k+"}", v)
	}
	return prompt
}
