package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genflow-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
)

var errInsufficientCredits = errors.New("insufficient credits")

// CreditStore keeps balances on the user table and logs every movement to
// credit_spend.
type CreditStore struct {
	wdb *sql.DB
	rdb *sql.DB
}

func NewCreditStore(wdb, rdb *sql.DB) *CreditStore {
	if rdb == nil {
		rdb = wdb
	}
	return &CreditStore{wdb: wdb, rdb: rdb}
}

func (s *CreditStore) Balance(ctx context.Context, userID uint64) (uint64, error) {
	var credits int64
	err := s.rdb.QueryRowContext(ctx, "SELECT credits FROM user WHERE id = ?", userID).Scan(&credits)
	if err != nil {
		return 0, utils.Wrap("failed reading balance", err)
	}
	if credits < 0 {
		return 0, nil
	}
	return uint64(credits), nil
}

// Apply moves delta credits. A negative delta only applies when the balance
// covers it; the check and the write are one conditional UPDATE so
// concurrent charges can never push the balance below zero.
func (s *CreditStore) Apply(ctx context.Context, userID uint64, delta int64, tool string) (bool, error) {
	if delta == 0 {
		return true, nil
	}
	err := ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			var res sql.Result
			var err error
			if delta < 0 {
				res, err = tx.ExecContext(ctx,
					"UPDATE user SET credits = credits - ? WHERE id = ? AND credits >= ?",
					-delta, userID, -delta)
			} else {
				res, err = tx.ExecContext(ctx,
					"UPDATE user SET credits = credits + ? WHERE id = ?",
					delta, userID)
			}
			if err != nil {
				return fmt.Errorf("failed to update user credits: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return errInsufficientCredits
			}
			return nil
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO credit_spend (id, user_id, amount, tool, created_at) VALUES (?, ?, ?, ?, ?)",
				shared.NewID(), userID, -delta, tool, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to record credit spend: %w", err)
			}
			return nil
		},
	})
	if errors.Is(err, errInsufficientCredits) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
