package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"genflow-api/internal/shared"
)

type DailySpend struct {
	Date         string
	UserID       uint64
	Model        string
	Tool         string
	RequestCount uint64
	ImageCount   uint64
	TotalSpend   uint64
}

// AggregateSpend folds settled spends into one row per model and tool.
func AggregateSpend(day time.Time, records map[string]*shared.SpendRecord) []*DailySpend {
	date := day.Format("2006-01-02")
	agg := map[string]*DailySpend{}
	var order []string
	for _, r := range records {
		key := r.Model + "\x00" + r.Tool
		s, ok := agg[key]
		if !ok {
			s = &DailySpend{Date: date, UserID: r.UserID, Model: r.Model, Tool: r.Tool}
			agg[key] = s
			order = append(order, key)
		}
		s.RequestCount++
		s.ImageCount += uint64(r.Images)
		s.TotalSpend += r.Credits
	}
	out := make([]*DailySpend, 0, len(order))
	for _, k := range order {
		out = append(out, agg[k])
	}
	return out
}

// SaveDailySpend adds rows onto daily_spend. It updates first and inserts
// when nothing matched, which works the same on mysql and sqlite.
func SaveDailySpend(ctx context.Context, tx *sql.Tx, rows []*DailySpend) error {
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
			UPDATE daily_spend SET
			request_count = request_count + ?,
			image_count = image_count + ?,
			total_spend = total_spend + ?
			WHERE date = ? AND user_id = ? AND model = ? AND tool = ?`,
			r.RequestCount, r.ImageCount, r.TotalSpend, r.Date, r.UserID, r.Model, r.Tool)
		if err != nil {
			return fmt.Errorf("failed to update daily spend: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_spend (date, user_id, model, tool, request_count, image_count, total_spend)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Date, r.UserID, r.Model, r.Tool, r.RequestCount, r.ImageCount, r.TotalSpend)
		if err != nil {
			return fmt.Errorf("failed to insert daily spend: %w", err)
		}
	}
	return nil
}

// SpendWriter persists flushed spend buckets into daily_spend.
type SpendWriter struct {
	wdb *sql.DB
}

func NewSpendWriter(wdb *sql.DB) *SpendWriter {
	return &SpendWriter{wdb: wdb}
}

func (w *SpendWriter) WriteSpend(ctx context.Context, _ uint64, records map[string]*shared.SpendRecord) error {
	rows := AggregateSpend(time.Now().UTC(), records)
	return ExecuteTransaction(ctx, w.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			return SaveDailySpend(ctx, tx, rows)
		},
	})
}
