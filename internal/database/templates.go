package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
)

// TemplateStore reads style templates. The prompt column holds a JSON
// object keyed by pipeline kind.
type TemplateStore struct {
	rdb *sql.DB
}

func NewTemplateStore(rdb *sql.DB) *TemplateStore {
	return &TemplateStore{rdb: rdb}
}

// TemplatePrompt returns the raw prompt JSON of one template, or nil when
// the template does not exist.
func (s *TemplateStore) TemplatePrompt(ctx context.Context, id string) ([]byte, error) {
	var raw string
	err := s.rdb.QueryRowContext(ctx, "SELECT prompt FROM style_template WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.Wrap("failed reading style template", err)
	}
	return []byte(raw), nil
}
