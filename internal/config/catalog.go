// Package config loads the model and style catalog.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

type Model struct {
	Name          string `yaml:"-" json:"name"`
	Kind          Kind   `yaml:"kind" json:"kind"`
	Cost          uint64 `yaml:"cost" json:"cost"`
	CostPerSecond uint64 `yaml:"cost_per_second" json:"cost_per_second,omitempty"`
	URL           string `yaml:"url" json:"-"`
	TagBased      bool   `yaml:"tag_based" json:"tag_based"`
}

// UnitCost is the price of one output. Video models add a per second charge.
// Overflow saturates at math.MaxUint64, which the ledger refuses to reserve.
func (m Model) UnitCost(seconds int) uint64 {
	if m.Kind != KindVideo || seconds <= 0 {
		return m.Cost
	}
	hi, perSecond := bits.Mul64(m.CostPerSecond, uint64(seconds))
	total, carry := bits.Add64(m.Cost, perSecond, 0)
	if hi != 0 || carry != 0 {
		return math.MaxUint64
	}
	return total
}

type File struct {
	Models           map[string]Model  `yaml:"models"`
	Styles           map[string]string `yaml:"styles"`
	NoWatermarkTools []string          `yaml:"no_watermark_tools"`
}

// Catalog is read only after load and safe for concurrent use.
type Catalog struct {
	models      map[string]Model
	styles      map[string]string
	noWatermark map[string]bool
}

func NewCatalog(f File) (*Catalog, error) {
	c := &Catalog{
		models:      map[string]Model{},
		styles:      map[string]string{},
		noWatermark: map[string]bool{},
	}
	for name, m := range f.Models {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch m.Kind {
		case KindImage, KindVideo:
		case "":
			m.Kind = KindImage
		default:
			return nil, fmt.Errorf("model %q: unknown kind %q", name, m.Kind)
		}
		m.Name = name
		c.models[name] = m
	}
	for tag, text := range f.Styles {
		c.styles[strings.TrimSpace(tag)] = strings.TrimSpace(text)
	}
	for _, tool := range f.NoWatermarkTools {
		c.noWatermark[strings.ToLower(strings.TrimSpace(tool))] = true
	}
	return c, nil
}

// LoadCatalog reads a catalog file. An empty path or a missing file yields
// the built in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	b := defaultCatalog
	if p := strings.TrimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		switch {
		case err == nil:
			b = raw
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed parsing catalog: %w", err)
	}
	return NewCatalog(f)
}

func (c *Catalog) Model(name string) (Model, bool) {
	m, ok := c.models[strings.TrimSpace(name)]
	return m, ok
}

func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsTagBased reports whether the model expects comma separated danbooru
// style tags rather than natural language.
func (c *Catalog) IsTagBased(model string) bool {
	m, ok := c.Model(model)
	return ok && m.TagBased
}

// StyleText expands a bracketed style tag such as [pop-anime-style].
func (c *Catalog) StyleText(tag string) string {
	return c.styles[tag]
}

// Watermark reports whether outputs of tool get the platform watermark.
func (c *Catalog) Watermark(tool string) bool {
	return !c.noWatermark[strings.ToLower(strings.TrimSpace(tool))]
}
