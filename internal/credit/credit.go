// Package credit implements atomic credit authorization/debit and the daily
// reset cron described by the gateway's billing subsystem. Atomicity is
// delegated to the Store (a single conditional UPDATE at the Postgres layer,
// or a mutex-guarded compare-and-swap in the in-memory store) so the engine
// itself never holds a lock across a network round trip.
package credit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/worldline-go/hardloop"
)

// ErrInsufficientCredits is returned by Authorize when a user's balance
// can't cover the requested amount.
var ErrInsufficientCredits = errors.New("credit: insufficient balance")

// Store is the persistence contract the Engine needs. Concrete
// implementations live in internal/store/postgres and internal/store/memory.
type Store interface {
	// TryDebit atomically subtracts amountMicro from the user's balance,
	// returning false (no error) if the balance is insufficient.
	TryDebit(ctx context.Context, userID string, amountMicro int64) (bool, error)
	// Credit adds amountMicro to the user's balance (refunds, grants).
	Credit(ctx context.Context, userID string, amountMicro int64) error
	// Balance returns a user's current credit balance.
	Balance(ctx context.Context, userID string) (int64, error)
	// DueForReset returns user IDs whose LastResetAt is at least resetEvery
	// in the past, as of now.
	DueForReset(ctx context.Context, now time.Time, resetEvery time.Duration) ([]string, error)
	// ResetToAllowance sets a user's balance to their plan's daily
	// allowance and stamps LastResetAt to now.
	ResetToAllowance(ctx context.Context, userID string, now time.Time) error
}

// Engine authorizes, debits and refunds user credit balances and drives the
// daily reset loop.
type Engine struct {
	store      Store
	log        *slog.Logger
	resetEvery time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithResetInterval overrides the default 24h reset period (used in tests to
// avoid waiting real days).
func WithResetInterval(d time.Duration) Option {
	return func(e *Engine) { e.resetEvery = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an Engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, log: slog.Default(), resetEvery: 24 * time.Hour}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize attempts to reserve amountMicro credits for userID up front,
// before dispatching a request upstream. Master-admin callers (userID ==
// domain.MasterAdminID) are never charged and should not call this at all —
// the dispatch pipeline checks for that identity before reaching here.
func (e *Engine) Authorize(ctx context.Context, userID string, amountMicro int64) error {
	if amountMicro <= 0 {
		return nil
	}
	ok, err := e.store.TryDebit(ctx, userID, amountMicro)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCredits
	}
	return nil
}

// Settle reconciles an up-front authorization against the actual cost once a
// request finishes: if actual is less than authorized, the difference is
// refunded; if more, an additional debit is attempted (best-effort — a
// failure here is logged, not propagated, since the response has already
// been produced).
func (e *Engine) Settle(ctx context.Context, userID string, authorizedMicro, actualMicro int64) {
	if actualMicro == authorizedMicro {
		return
	}
	if actualMicro < authorizedMicro {
		if err := e.store.Credit(ctx, userID, authorizedMicro-actualMicro); err != nil {
			e.log.Error("credit: refund failed", "user_id", userID, "error", err)
		}
		return
	}
	extra := actualMicro - authorizedMicro
	ok, err := e.store.TryDebit(ctx, userID, extra)
	if err != nil {
		e.log.Error("credit: extra debit failed", "user_id", userID, "error", err)
		return
	}
	if !ok {
		e.log.Warn("credit: balance too low to debit actual usage overage, left uncharged", "user_id", userID, "shortfall_micro", extra)
	}
}

// Refund credits amountMicro back to a user (e.g. the request failed before
// any upstream usage was incurred).
func (e *Engine) Refund(ctx context.Context, userID string, amountMicro int64) error {
	if amountMicro <= 0 {
		return nil
	}
	return e.store.Credit(ctx, userID, amountMicro)
}

// Balance returns a user's current credit balance.
func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.store.Balance(ctx, userID)
}

// resetCronSpec polls every 5 minutes for users due a daily reset; the
// actual reset cadence is governed by resetEvery, not this poll interval.
const resetCronSpec = "*/5 * * * *"

// RunResetLoop blocks, polling on resetCronSpec for users due a daily reset,
// until ctx is canceled. Intended to run in its own goroutine, guarded by
// cluster leader election so only one gateway instance resets credits.
func (e *Engine) RunResetLoop(ctx context.Context) {
	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "credit-reset",
		Specs: []string{resetCronSpec},
		Func: func(ctx context.Context) error {
			e.runResetOnce(ctx, time.Now())
			return nil
		},
	})
	if err != nil {
		e.log.Error("credit: create reset cron runner failed", "error", err)
		return
	}
	if err := cronJob.Start(ctx); err != nil {
		e.log.Error("credit: start reset cron runner failed", "error", err)
		return
	}
	<-ctx.Done()
	cronJob.Stop()
}

func (e *Engine) runResetOnce(ctx context.Context, now time.Time) {
	ids, err := e.store.DueForReset(ctx, now, e.resetEvery)
	if err != nil {
		e.log.Error("credit: listing users due for reset failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := e.store.ResetToAllowance(ctx, id, now); err != nil {
			e.log.Error("credit: reset failed", "user_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		e.log.Info("credit: daily reset applied", "user_count", len(ids))
	}
}
