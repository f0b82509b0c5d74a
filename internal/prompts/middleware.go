package prompts

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"genflow-api/internal/chain"
	"genflow-api/internal/characters"
	"genflow-api/internal/shared"
)

// Middleware rewrites the prompt when the caller asked for it. The first
// [style] tag is taken out, expanded for the model, and put back verbatim
// after the rewritten text.
func (i *Improver) Middleware() chain.Middleware {
	return func(ctx context.Context, req *chain.Request) chain.Result {
		p := req.Params
		if !p.ImprovePrompt {
			return chain.Continue()
		}
		prompt := p.Prompt
		rewritten, original := prompt, prompt
		rest, tag := SplitStyle(prompt)
		if tag != "" {
			rewritten = strings.Replace(prompt, tag, " ", 1) + " " + i.catalog.StyleText(tag)
			original = strings.TrimSpace(rest)
		}

		improved := i.ImproveWithFallback(ctx, rewritten, original, p.Model)
		if tag != "" {
			improved += " " + tag
		}
		req.Logger.Debugw("improved prompt", "original", prompt, "improved", shared.Truncate(improved, 200))

		if p.OriginalPrompt == "" {
			p.OriginalPrompt = prompt
		}
		p.Prompt = improved
		return chain.Continue()
	}
}

// TranslateMiddleware translates mostly non ASCII prompts to the working
// language. Mentions and [style] tags are kept as written. A failed
// translation leaves the prompt unchanged.
func (i *Improver) TranslateMiddleware() chain.Middleware {
	return func(ctx context.Context, req *chain.Request) chain.Result {
		p := req.Params
		if i.translator == nil || p.SkipTranslation() || IsPrimarilyASCII(p.Prompt) {
			return chain.Continue()
		}
		out, ok := i.translatePreserving(ctx, p.Prompt)
		if !ok {
			req.Logger.Warnw("prompt translation failed, keeping original")
			return chain.Continue()
		}
		if p.OriginalPrompt == "" {
			p.OriginalPrompt = p.Prompt
		}
		p.Prompt = out
		return chain.Continue()
	}
}

type span struct{ start, end int }

// protectedSpans lists mentions and [tags] in text order, dropping any span
// that overlaps an earlier one.
func protectedSpans(text string) []span {
	var all []span
	for _, m := range characters.Tokenize(text) {
		all = append(all, span{m.Start, m.End})
	}
	for _, loc := range bracketTag.FindAllStringIndex(text, -1) {
		all = append(all, span{loc[0], loc[1]})
	}
	sort.Slice(all, func(a, b int) bool { return all[a].start < all[b].start })
	out := all[:0]
	last := 0
	for _, s := range all {
		if s.start < last {
			continue
		}
		out = append(out, s)
		last = s.end
	}
	return out
}

func (i *Improver) translatePreserving(ctx context.Context, text string) (string, bool) {
	var b strings.Builder
	last := 0
	write := func(segment string) bool {
		core := strings.TrimFunc(segment, unicode.IsSpace)
		if core == "" || IsPrimarilyASCII(core) {
			b.WriteString(segment)
			return true
		}
		out, err := i.translator.Translate(ctx, core, shared.WorkingLanguage)
		if err != nil || out == "" {
			return false
		}
		lead := segment[:strings.Index(segment, core)]
		trail := segment[len(lead)+len(core):]
		b.WriteString(lead + out + trail)
		return true
	}
	for _, s := range protectedSpans(text) {
		if !write(text[last:s.start]) {
			return "", false
		}
		b.WriteString(text[s.start:s.end])
		last = s.end
	}
	if !write(text[last:]) {
		return "", false
	}
	return b.String(), true
}
