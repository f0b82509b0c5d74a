package characters

import (
	"context"

	"genflow-api/internal/metrics"

	"go.uber.org/zap"
)

// Character is a stored custom character. Official characters have no
// record.
type Character struct {
	ID          string `json:"id"`
	Image       string `json:"image,omitempty"`
	AltPrompt   string `json:"alt_prompt,omitempty"`
	Description string `json:"description,omitempty"`
}

// Override is the text that replaces a mention of c, if any.
func (c Character) Override() string {
	if c.AltPrompt != "" {
		return c.AltPrompt
	}
	return c.Description
}

type Lookup interface {
	LookupByIDs(ctx context.Context, ids []string) ([]Character, error)
}

type Resolver struct {
	lookup Lookup
	log    *zap.SugaredLogger
}

func NewResolver(lookup Lookup, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{lookup: lookup, log: log}
}

// Resolution is the outcome of one lookup for a set of mention ids.
type Resolution struct {
	ids   []string
	found map[string]Character
}

// Resolve looks up ids once. A failed lookup resolves to no stored
// characters rather than an error.
func (r *Resolver) Resolve(ctx context.Context, ids []string) *Resolution {
	res := &Resolution{ids: Unique(ids), found: map[string]Character{}}
	if len(res.ids) == 0 || r.lookup == nil {
		return res
	}
	chars, err := r.lookup.LookupByIDs(ctx, res.ids)
	if err != nil {
		r.log.Warnw("character lookup failed, treating as none found", "error", err, "ids", res.ids)
		metrics.ErrorCount.WithLabelValues("", "", "character_lookup").Inc()
		return res
	}
	for _, c := range chars {
		res.found[c.ID] = c
	}
	return res
}

// IDs are the distinct ids in first occurrence order.
func (res *Resolution) IDs() []string {
	return res.ids
}

func (res *Resolution) Character(id string) (Character, bool) {
	c, ok := res.found[id]
	return c, ok
}

// Images returns the stored image of every resolved id that has one, in id
// order. Unknown ids are dropped.
func (res *Resolution) Images() []string {
	out := []string{}
	for _, id := range res.ids {
		if c, ok := res.found[id]; ok && c.Image != "" {
			out = append(out, c.Image)
		}
	}
	return out
}

// Substitute replaces each whole mention of a resolved id with its override
// text, or with the readable name when no record exists. Stored characters
// without any text are left untouched.
func (res *Resolution) Substitute(text string) string {
	wanted := make(map[string]bool, len(res.ids))
	for _, id := range res.ids {
		wanted[id] = true
	}
	return replaceMentions(text, func(m Mention) (string, bool) {
		if !wanted[m.ID] {
			return "", false
		}
		c, ok := res.found[m.ID]
		if !ok {
			return DisplayName(m.ID), true
		}
		if o := c.Override(); o != "" {
			return o, true
		}
		return "", false
	})
}

type Description struct {
	ID   string
	Text string
}

// Descriptions lists custom characters that only have a generated
// description, in id order.
func (res *Resolution) Descriptions() []Description {
	var out []Description
	for _, id := range res.ids {
		c, ok := res.found[id]
		if ok && c.Description != "" && c.AltPrompt == "" {
			out = append(out, Description{ID: id, Text: c.Description})
		}
	}
	return out
}

// Unsupported lists stored characters with no text at all. They can only be
// drawn from a reference image.
func (res *Resolution) Unsupported() []string {
	var out []string
	for _, id := range res.ids {
		c, ok := res.found[id]
		if ok && c.Override() == "" {
			out = append(out, id)
		}
	}
	return out
}

// ResolveImages is Resolve followed by Images.
func (r *Resolver) ResolveImages(ctx context.Context, ids []string) []string {
	return r.Resolve(ctx, ids).Images()
}

// Substitute is Resolve followed by Substitute.
func (r *Resolver) Substitute(ctx context.Context, text string, ids []string) string {
	return r.Resolve(ctx, ids).Substitute(text)
}

// Descriptions is Resolve followed by Descriptions.
func (r *Resolver) Descriptions(ctx context.Context, ids []string) []Description {
	return r.Resolve(ctx, ids).Descriptions()
}
