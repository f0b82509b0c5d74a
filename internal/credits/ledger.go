// Package credits implements the per user credit ledger. Spending is either
// check then settle (CanConsume, DeductCredit) or an atomic reservation that
// is later settled against the real cost.
package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

// Store persists balances. Apply with a negative delta must only succeed
// when the balance covers it, and report false rather than an error when it
// does not.
type Store interface {
	Balance(ctx context.Context, userID uint64) (uint64, error)
	Apply(ctx context.Context, userID uint64, delta int64, tool string) (bool, error)
}

type Ledger struct {
	store  Store
	userID uint64
	log    *zap.SugaredLogger
}

func NewLedger(store Store, userID uint64, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{store: store, userID: userID, log: log}
}

func (l *Ledger) UserID() uint64 {
	return l.userID
}

func (l *Ledger) Balance(ctx context.Context) (uint64, error) {
	return l.store.Balance(ctx, l.userID)
}

// CanConsume reports whether the current balance covers cost. Store errors
// count as not covered.
func (l *Ledger) CanConsume(ctx context.Context, cost uint64) bool {
	balance, err := l.store.Balance(ctx, l.userID)
	if err != nil {
		l.log.Warnw("failed reading balance", "error", err)
		metrics.CreditFailures.WithLabelValues("balance_read").Inc()
		return false
	}
	return balance >= cost
}

// DeductCredit charges realCost against tool. It returns false when the
// charge could not be applied; callers surface that as a no credits
// condition even though the work is already done.
func (l *Ledger) DeductCredit(ctx context.Context, realCost uint64, tool string) bool {
	if realCost == 0 {
		return true
	}
	if realCost > math.MaxInt64 {
		l.log.Errorw("refusing to deduct out of range cost", "cost", realCost, "tool", tool)
		metrics.CreditFailures.WithLabelValues("deduct_range").Inc()
		return false
	}
	ok, err := l.store.Apply(ctx, l.userID, -int64(realCost), tool)
	if err != nil {
		l.log.Errorw("failed deducting credits", "error", err, "cost", realCost, "tool", tool)
		metrics.CreditFailures.WithLabelValues("deduct_error").Inc()
		return false
	}
	if !ok {
		metrics.CreditFailures.WithLabelValues("deduct_insufficient").Inc()
	}
	return ok
}

// Reserve atomically takes cost out of the balance up front. The returned
// reservation must be settled or released.
func (l *Ledger) Reserve(ctx context.Context, cost uint64, tool string) (*Reservation, error) {
	r := &Reservation{ledger: l, amount: cost, tool: tool}
	if cost == 0 {
		return r, nil
	}
	if cost > math.MaxInt64 {
		metrics.CreditFailures.WithLabelValues("reserve_range").Inc()
		return nil, shared.ErrCostOutOfRange
	}
	ok, err := l.store.Apply(ctx, l.userID, -int64(cost), tool)
	if err != nil {
		metrics.CreditFailures.WithLabelValues("reserve_error").Inc()
		return nil, errors.Join(shared.ErrInternalServerError, fmt.Errorf("failed reserving credits: %w", err))
	}
	if !ok {
		metrics.CreditFailures.WithLabelValues("reserve_insufficient").Inc()
		return nil, shared.ErrNoCredits
	}
	return r, nil
}

// Reservation is credit already taken from the balance for one request.
type Reservation struct {
	ledger *Ledger
	amount uint64
	tool   string

	mu   sync.Mutex
	done bool
}

func (r *Reservation) Amount() uint64 {
	return r.amount
}

// detach outlives the request so refunds land after a client disconnects.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), shared.DefaultSettleTimeout)
}

// Settle finalizes the reservation at realCost. Any unused part is refunded
// and a shortfall is charged only if the balance covers it. It returns false
// when the shortfall could not be charged. Settling twice is a no-op.
func (r *Reservation) Settle(ctx context.Context, realCost uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return true
	}
	r.done = true
	ctx, cancel := detach(ctx)
	defer cancel()

	l := r.ledger
	switch {
	case realCost == r.amount:
		return true
	case realCost < r.amount:
		refund := r.amount - realCost
		if ok, err := l.store.Apply(ctx, l.userID, int64(refund), r.tool); err != nil || !ok {
			l.log.Errorw("failed refunding unused reservation", "error", err, "refund", refund)
			metrics.CreditFailures.WithLabelValues("refund").Inc()
		}
		return true
	default:
		return l.DeductCredit(ctx, realCost-r.amount, r.tool)
	}
}

// Release refunds the whole reservation. Used when no usable output was
// produced.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if r.amount == 0 {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	l := r.ledger
	if ok, err := l.store.Apply(ctx, l.userID, int64(r.amount), r.tool); err != nil || !ok {
		l.log.Errorw("failed releasing reservation", "error", err, "amount", r.amount)
		metrics.CreditFailures.WithLabelValues("release").Inc()
	}
}
