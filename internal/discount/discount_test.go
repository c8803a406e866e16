package discount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/domain"
)

type fakeStore struct {
	active  map[string]*domain.UserDiscount // key "user|model"
	expired []*domain.UserDiscount
}

func key(user, model string) string { return user + "|" + model }

func (f *fakeStore) ActiveDiscount(ctx context.Context, userID, model string) (*domain.UserDiscount, error) {
	return f.active[key(userID, model)], nil
}

func (f *fakeStore) Upsert(ctx context.Context, d *domain.UserDiscount) error {
	f.active[key(d.UserID, d.Model)] = d
	return nil
}

func (f *fakeStore) ExpiredActive(ctx context.Context, now time.Time) ([]*domain.UserDiscount, error) {
	return f.expired, nil
}

func (f *fakeStore) Deactivate(ctx context.Context, id string, now time.Time) error {
	for k, d := range f.active {
		if d.ID == id {
			d.Active = false
			delete(f.active, k)
		}
	}
	return nil
}

func TestApplyDiscountNoDiscount(t *testing.T) {
	store := &fakeStore{active: map[string]*domain.UserDiscount{}}
	e := New(store)
	amount, err := e.ApplyDiscount(context.Background(), "u1", "gpt-4", 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, amount)
}

func TestApplyDiscountWithMultiplier(t *testing.T) {
	store := &fakeStore{active: map[string]*domain.UserDiscount{
		key("u1", "gpt-4"): {ID: "d1", UserID: "u1", Model: "gpt-4", Multiplier: 2.0, Active: true},
	}}
	e := New(store)
	amount, err := e.ApplyDiscount(context.Background(), "u1", "gpt-4", 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 500, amount, "expected 500 after a 2.0 multiplier discount")
}

func TestHasActiveDiscount(t *testing.T) {
	store := &fakeStore{active: map[string]*domain.UserDiscount{
		key("u1", "gpt-4"): {ID: "d1", UserID: "u1", Model: "gpt-4", Multiplier: 1.5, Active: true},
	}}
	e := New(store)

	has, err := e.HasActiveDiscount(context.Background(), "u1", "gpt-4")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = e.HasActiveDiscount(context.Background(), "u1", "gpt-3.5")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGrantReplacesExistingActive(t *testing.T) {
	store := &fakeStore{active: map[string]*domain.UserDiscount{}}
	e := New(store)
	ctx := context.Background()

	require.NoError(t, e.Grant(ctx, &domain.UserDiscount{ID: "d1", UserID: "u1", Model: "gpt-4", Multiplier: 1.5}))
	require.NoError(t, e.Grant(ctx, &domain.UserDiscount{ID: "d2", UserID: "u1", Model: "gpt-4", Multiplier: 3.0}))

	d, _ := store.ActiveDiscount(ctx, "u1", "gpt-4")
	require.NotNil(t, d)
	assert.Equal(t, "d2", d.ID, "expected the second grant to be the sole active discount")
	assert.EqualValues(t, 3.0, d.Multiplier)
}

func TestRotationCronSpecFiresAt18CET(t *testing.T) {
	assert.Contains(t, rotationCronSpec, "CRON_TZ=Europe/Paris")
	assert.Contains(t, rotationCronSpec, "0 18 * * *")
}

func TestRotateOnceDeactivatesExpired(t *testing.T) {
	d := &domain.UserDiscount{ID: "d1", UserID: "u1", Model: "gpt-4", Active: true}
	store := &fakeStore{
		active:  map[string]*domain.UserDiscount{key("u1", "gpt-4"): d},
		expired: []*domain.UserDiscount{d},
	}
	e := New(store)
	e.rotateOnce(context.Background(), time.Now())
	assert.False(t, d.Active, "expected discount to be deactivated")
	_, ok := store.active[key("u1", "gpt-4")]
	assert.False(t, ok, "expected discount removed from active map")
}

func TestRotateOnceAssignsFreshDiscountWhenModelsConfigured(t *testing.T) {
	d := &domain.UserDiscount{ID: "d1", UserID: "u1", Model: "gpt-4", Active: true}
	store := &fakeStore{
		active:  map[string]*domain.UserDiscount{key("u1", "gpt-4"): d},
		expired: []*domain.UserDiscount{d},
	}
	e := New(store, "gpt-4o", "claude-haiku-4-5")
	now := time.Now()
	e.rotateOnce(context.Background(), now)

	var found *domain.UserDiscount
	for _, v := range store.active {
		found = v
	}
	require.NotNil(t, found, "expected rotation to grant a new discount for u1")
	assert.Equal(t, "u1", found.UserID)
	assert.True(t, domain.MultiplierInRange(found.Multiplier), "expected multiplier in [1.5, 3.0], got %v", found.Multiplier)
	assert.True(t, found.EndsAt.Valid)
	assert.True(t, found.EndsAt.V.Time.After(now))
}

func TestRotateOnceSkipsAssignmentWithoutConfiguredModels(t *testing.T) {
	d := &domain.UserDiscount{ID: "d1", UserID: "u1", Model: "gpt-4", Active: true}
	store := &fakeStore{
		active:  map[string]*domain.UserDiscount{key("u1", "gpt-4"): d},
		expired: []*domain.UserDiscount{d},
	}
	e := New(store)
	e.rotateOnce(context.Background(), time.Now())
	assert.Empty(t, store.active, "expected no new discount without a configured rotation pool")
}
