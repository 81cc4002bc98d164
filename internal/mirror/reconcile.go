package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// Defaults match a ledger producing roughly one block per minute.
const (
	DefaultAttempts = 5
	DefaultDelay    = 20 * time.Second
)

// ContractReader reads contracts from the ledger.
type ContractReader interface {
	GetContract(ctx context.Context, id uint64) (*model.Contract, error)
}

// Reconciler waits for ledger state to become visible before the mirror
// records it.
type Reconciler struct {
	ledger   ContractReader
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a reconciler polling ledger up to attempts times,
// delay apart.
func NewReconciler(ledger ContractReader, attempts int, delay time.Duration) *Reconciler {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	return &Reconciler{ledger: ledger, attempts: attempts, delay: delay, sleep: sleepCtx}
}

// WaitForContract polls until contract id exists on the ledger.
func (r *Reconciler) WaitForContract(ctx context.Context, id uint64) (*model.Contract, error) {
	return r.wait(ctx, id, "created", func(*model.Contract) bool { return true })
}

// WaitForMatch polls until contract id has a counterparty.
func (r *Reconciler) WaitForMatch(ctx context.Context, id uint64) (*model.Contract, error) {
	return r.wait(ctx, id, "matched", func(c *model.Contract) bool { return c.Status >= model.StatusFilled })
}

func (r *Reconciler) wait(ctx context.Context, id uint64, what string, done func(*model.Contract) bool) (*model.Contract, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		c, err := r.ledger.GetContract(ctx, id)
		switch {
		case err == nil && done(c):
			return c, nil
		case err == nil:
			lastErr = nil
			slog.Debug("contract not yet "+what, "contract_id", id, "attempt", attempt, "status", c.Status)
		default:
			lastErr = err
			slog.Debug("contract read failed", "contract_id", id, "attempt", attempt, "err", err)
		}

		if attempt < r.attempts {
			if err := r.sleep(ctx, r.delay); err != nil {
				return nil, err
			}
		}
	}

	if lastErr != nil && !errors.Is(lastErr, model.ErrContractNotFound) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: contract %d not %s after %d attempts", model.ErrUnconfirmed, id, what, r.attempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
