// Package characters finds character mentions in prompt text and resolves
// them to reference images or replacement text.
package characters

import (
	"regexp"
	"strings"
)

// Two notations are accepted: @Some_Name(Series) and <any text>.
var mentionPattern = regexp.MustCompile(`@([\w\-().:]+)|<([^>]+)>`)

type Notation int

const (
	NotationAt Notation = iota
	NotationBracket
)

// Mention is one occurrence of a character reference. Start and End cover
// the full notation including the @ or the angle brackets.
type Mention struct {
	ID       string
	Notation Notation
	Start    int
	End      int
}

// Tokenize returns every mention in scan order.
func Tokenize(text string) []Mention {
	idx := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]Mention, 0, len(idx))
	for _, m := range idx {
		mention := Mention{Start: m[0], End: m[1]}
		if m[2] >= 0 {
			mention.ID = text[m[2]:m[3]]
			mention.Notation = NotationAt
		} else {
			mention.ID = text[m[4]:m[5]]
			mention.Notation = NotationBracket
		}
		out = append(out, mention)
	}
	return out
}

// ExtractMentions returns the ids of every mention in scan order, keeping
// duplicates.
func ExtractMentions(text string) []string {
	tokens := Tokenize(text)
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// Unique drops repeated ids, keeping first occurrence order.
func Unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// DisplayName is the readable fallback for an official character id,
// e.g. Lumine_(Genshin_Impact) becomes Lumine (Genshin Impact).
func DisplayName(id string) string {
	return strings.ReplaceAll(id, "_", " ")
}

// replaceMentions rebuilds text, asking replace for each mention. Returning
// false keeps the mention as written.
func replaceMentions(text string, replace func(Mention) (string, bool)) string {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, t := range tokens {
		b.WriteString(text[last:t.Start])
		if r, ok := replace(t); ok {
			b.WriteString(r)
		} else {
			b.WriteString(text[t.Start:t.End])
		}
		last = t.End
	}
	b.WriteString(text[last:])
	return b.String()
}
