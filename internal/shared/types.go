package shared

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionBody struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type UserMetadata struct {
	UserID  uint64 `json:"user_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Credits uint64 `json:"credits,omitempty"`
	Token   string `json:"-"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MetaData carries pipeline selection plus free form template inputs.
// Every field that is not one of the named keys lands in Vars.
type MetaData struct {
	VideoPipelineType string            `json:"video_pipeline_type,omitempty"`
	StyleID           string            `json:"style_id,omitempty"`
	NoTranslate       bool              `json:"no_translate,omitempty"`
	Vars              map[string]string `json:"-"`
}

var standardMetaFields = map[string]bool{
	"video_pipeline_type": true,
	"style_id":            true,
	"no_translate":        true,
	"user_id":             true,
	"mode":                true,
}

func (m *MetaData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Vars = map[string]string{}
	for k, v := range raw {
		switch k {
		case "video_pipeline_type":
			m.VideoPipelineType, _ = v.(string)
		case "style_id":
			if v != nil {
				m.StyleID = fmt.Sprint(v)
			}
		case "no_translate":
			m.NoTranslate, _ = v.(bool)
		}
		if standardMetaFields[k] {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				m.Vars[k] = val
			}
		case float64:
			m.Vars[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			m.Vars[k] = strconv.FormatBool(val)
		}
	}
	return nil
}

func (m MetaData) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Vars {
		out[k] = v
	}
	if m.VideoPipelineType != "" {
		out["video_pipeline_type"] = m.VideoPipelineType
	}
	if m.StyleID != "" {
		out["style_id"] = m.StyleID
	}
	if m.NoTranslate {
		out["no_translate"] = true
	}
	return json.Marshal(out)
}

// GenerationParams is the typed request context payload shared by every
// chain step. Steps mutate it in place.
type GenerationParams struct {
	Prompt          string   `json:"prompt"`
	OriginalPrompt  string   `json:"original_prompt,omitempty"`
	UserPrompt      string   `json:"-"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	Image           string   `json:"image,omitempty"`
	Images          []string `json:"images,omitempty"`
	CharacterImages []string `json:"character_images,omitempty"`
	Model           string   `json:"model"`
	Size            *Size    `json:"size,omitempty"`
	NumImages       int      `json:"num_images,omitempty"`
	Duration        int      `json:"duration,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	Tool            string   `json:"tool,omitempty"`
	ImprovePrompt   bool     `json:"improve_prompt,omitempty"`
	NoTranslate     bool     `json:"no_translate,omitempty"`
	StoreResult     *bool    `json:"store_result,omitempty"`
	MetaData        MetaData `json:"meta_data"`
}

// SkipTranslation is true when either the request or its meta data opts out.
func (p *GenerationParams) SkipTranslation() bool {
	return p.NoTranslate || p.MetaData.NoTranslate
}

// UserImage is the first user supplied image, if any.
func (p *GenerationParams) UserImage() string {
	if p.Image != "" {
		return p.Image
	}
	if len(p.Images) > 0 {
		return p.Images[0]
	}
	return ""
}

// ShouldStore defaults to true.
func (p *GenerationParams) ShouldStore() bool {
	return p.StoreResult == nil || *p.StoreResult
}

// StoredPrompt is the text persisted with a generation record.
func (p *GenerationParams) StoredPrompt() string {
	switch {
	case p.UserPrompt != "":
		return p.UserPrompt
	case p.OriginalPrompt != "":
		return p.OriginalPrompt
	}
	return p.Prompt
}

type GenerationStatus int

const (
	StatusFailed GenerationStatus = iota
	StatusProcessing
	StatusSucceeded
)

func (s GenerationStatus) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	}
	return "unknown"
}

// GenerationLog accumulates the fields of the generation_log row. It is
// written once the request finishes regardless of outcome.
type GenerationLog struct {
	Model  string
	Cost   uint64
	Tool   string
	Status GenerationStatus
}

// GenerationRecord is one persisted output.
type GenerationRecord struct {
	ID     string
	UserID uint64
	Prompt string
	Model  string
	URL    string
	Tool   string
}

// SpendRecord is one settled charge, aggregated by the spend buckets.
type SpendRecord struct {
	RequestID string
	UserID    uint64
	Model     string
	Tool      string
	Credits   uint64
	Images    int
}
