// Package discount tracks per-user, per-model cost multipliers and the
// scheduled rotation that retires expired ones and assigns fresh ones at
// 18:00 CET, using the same transactional single-active-record replace
// pattern used for encryption key rotation.
package discount

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/rakunlabs/vgate/internal/domain"
)

// Store is the persistence contract for discounts.
type Store interface {
	// ActiveDiscount returns the single active discount for (userID, model),
	// or nil if none is active.
	ActiveDiscount(ctx context.Context, userID, model string) (*domain.UserDiscount, error)
	// Upsert replaces any existing active discount for (UserID, Model) with
	// d in one transaction, so at most one stays active per pair.
	Upsert(ctx context.Context, d *domain.UserDiscount) error
	// ExpiredActive returns active discounts whose EndsAt has passed as of
	// now, to be deactivated by the rotation loop.
	ExpiredActive(ctx context.Context, now time.Time) ([]*domain.UserDiscount, error)
	// Deactivate marks a discount inactive.
	Deactivate(ctx context.Context, id string, now time.Time) error
}

// minMultiplier and maxMultiplier bound the random multiplier the rotation
// loop assigns.
const (
	minMultiplier = 1.5
	maxMultiplier = 3.0
	// rotationDuration is how long an automatically-assigned discount stays
	// active before the next 18:00 CET rotation retires it.
	rotationDuration = 24 * time.Hour
)

// Engine looks up and rotates user discounts.
type Engine struct {
	store          Store
	log            *slog.Logger
	rotationModels []string
	rand           *rand.Rand
}

// New returns an Engine backed by store. rotationModels is the subset of
// catalog models the rotation loop may assign a fresh discount against; nil
// disables automatic assignment (manual Grant calls still work).
func New(store Store, rotationModels ...string) *Engine {
	return &Engine{
		store:          store,
		log:            slog.Default(),
		rotationModels: rotationModels,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ApplyDiscount returns the amount owed after applying a user's active
// discount (if any) for model to a base micro-credit cost: baseMicro divided
// by the discount's multiplier. A master-admin caller never reaches here
// since the dispatch pipeline bypasses billing for that identity entirely.
func (e *Engine) ApplyDiscount(ctx context.Context, userID, model string, baseMicro int64) (int64, error) {
	d, err := e.store.ActiveDiscount(ctx, userID, model)
	if err != nil {
		return 0, err
	}
	if d == nil || !d.Active || d.Multiplier <= 0 {
		return baseMicro, nil
	}
	discounted := int64(float64(baseMicro) / d.Multiplier)
	if discounted < 0 {
		discounted = 0
	}
	return discounted, nil
}

// HasActiveDiscount reports whether userID currently has a non-expired
// discount active against model, satisfying the PlanAccess ∨ ActiveDiscount
// bypass on the plan-based model access check.
func (e *Engine) HasActiveDiscount(ctx context.Context, userID, model string) (bool, error) {
	d, err := e.store.ActiveDiscount(ctx, userID, model)
	if err != nil {
		return false, err
	}
	return d != nil && d.Active, nil
}

// Grant creates or replaces the active discount for (userID, model).
func (e *Engine) Grant(ctx context.Context, d *domain.UserDiscount) error {
	d.Active = true
	return e.store.Upsert(ctx, d)
}

// rotationCronSpec fires at 18:00 in Europe/Paris (CET/CEST) every day.
const rotationCronSpec = "CRON_TZ=Europe/Paris 0 18 * * *"

// RunRotationLoop blocks, firing at each 18:00 CET boundary, until ctx is
// canceled. Intended to run under cluster leader election.
func (e *Engine) RunRotationLoop(ctx context.Context) {
	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "discount-rotation",
		Specs: []string{rotationCronSpec},
		Func: func(ctx context.Context) error {
			e.rotateOnce(ctx, time.Now())
			return nil
		},
	})
	if err != nil {
		e.log.Error("discount: create rotation cron runner failed", "error", err)
		return
	}
	if err := cronJob.Start(ctx); err != nil {
		e.log.Error("discount: start rotation cron runner failed", "error", err)
		return
	}
	<-ctx.Done()
	cronJob.Stop()
}

// rotateOnce deactivates every discount whose EndsAt has passed, then — for
// each affected user — grants a fresh discount on a randomly chosen eligible
// model at a freshly rolled multiplier, so a user who just lost a perk
// always has a new one to discover.
func (e *Engine) rotateOnce(ctx context.Context, now time.Time) {
	expired, err := e.store.ExpiredActive(ctx, now)
	if err != nil {
		e.log.Error("discount: listing expired discounts failed", "error", err)
		return
	}
	for _, d := range expired {
		if err := e.store.Deactivate(ctx, d.ID, now); err != nil {
			e.log.Error("discount: deactivation failed", "discount_id", d.ID, "error", err)
		}
	}
	if len(expired) > 0 {
		e.log.Info("discount: rotation deactivated expired discounts", "count", len(expired))
	}

	if len(e.rotationModels) == 0 {
		return
	}

	granted := 0
	for _, d := range expired {
		model := e.rotationModels[e.rand.Intn(len(e.rotationModels))]
		multiplier := minMultiplier + e.rand.Float64()*(maxMultiplier-minMultiplier)
		fresh := &domain.UserDiscount{
			UserID:     d.UserID,
			Model:      model,
			Multiplier: multiplier,
			StartsAt:   now,
			RotatedAt:  now,
		}
		fresh.EndsAt.Valid = true
		fresh.EndsAt.V.Time = now.Add(rotationDuration)
		if err := e.Grant(ctx, fresh); err != nil {
			e.log.Error("discount: rotation grant failed", "user_id", d.UserID, "error", err)
			continue
		}
		granted++
	}
	if granted > 0 {
		e.log.Info("discount: rotation assigned fresh discounts", "count", granted)
	}
}
