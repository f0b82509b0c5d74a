package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"genflow-api/internal/shared"
)

// SaveGenerations inserts all records in one statement.
func SaveGenerations(ctx context.Context, db *sql.DB, records []shared.GenerationRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := `INSERT INTO image_generation (id, user_id, prompt, model, url, tool, created_at) VALUES`
	vals := make([]any, 0, len(records)*7)
	now := time.Now().UTC()
	for _, r := range records {
		query += "(?, ?, ?, ?, ?, ?, ?),"
		id := r.ID
		if id == "" {
			id = shared.NewID()
		}
		vals = append(vals, id, r.UserID, r.Prompt, r.Model, r.URL, r.Tool, now)
	}
	query = strings.TrimSuffix(query, ",")
	if _, err := db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("failed to save generations: %w", err)
	}
	return nil
}

// SaveGenerationLog writes the final state of one request.
func SaveGenerationLog(ctx context.Context, db *sql.DB, userID uint64, log shared.GenerationLog) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO generation_log (id, user_id, status, consumed_credit, model, tool, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		shared.NewID(), userID, int(log.Status), log.Cost, log.Model, log.Tool, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save generation log: %w", err)
	}
	return nil
}

// GenerationStore binds the generation writers to the write database.
type GenerationStore struct {
	wdb *sql.DB
}

func NewGenerationStore(wdb *sql.DB) *GenerationStore {
	return &GenerationStore{wdb: wdb}
}

func (s *GenerationStore) SaveGenerations(ctx context.Context, records []shared.GenerationRecord) error {
	return SaveGenerations(ctx, s.wdb, records)
}

func (s *GenerationStore) SaveGenerationLog(ctx context.Context, userID uint64, log shared.GenerationLog) error {
	return SaveGenerationLog(ctx, s.wdb, userID, log)
}
