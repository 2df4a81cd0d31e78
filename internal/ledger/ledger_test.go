package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(opts ...Option) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewService(store, zap.NewNop(), opts...), store
}

func input(name, cond string) models.RuleInput {
	return models.RuleInput{Name: name, Condition: cond, Action: models.RuleActionTerminate}
}

func TestCreate_AllocatesSequentialIDsFromZero(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	first, err := svc.Create(ctx, "shop.example", input("a", "contains(url, 'x')"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.ID)
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.Enabled)
	assert.Equal(t, models.RuleSourceManual, first.Source)
	assert.Equal(t, t0, first.CreationTime)
	assert.Equal(t, t0, first.LastEditTime)

	second, err := svc.Create(ctx, "other.example", input("b", "contains(url, 'y')"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.ID, "ids are ledger-wide")
}

func TestCreate_DeletedIDsAreNotReused(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("a", "contains(url, 'x')"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "shop.example", r.ID))

	next, err := svc.Create(ctx, "shop.example", input("b", "contains(url, 'x')"))
	require.NoError(t, err)
	assert.Equal(t, r.ID+1, next.ID)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "", input("a", "contains(url, 'x')"))
	assert.ErrorIs(t, err, models.ErrTenantRequired)

	_, err = svc.Create(ctx, "shop.example", input("", "contains(url, 'x')"))
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = svc.Create(ctx, "shop.example", models.RuleInput{Name: "a", Condition: "x", Action: "ban"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	r, err := svc.Create(ctx, "shop.example", models.RuleInput{Name: "a", Condition: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.RuleActionTerminate, r.Action)
}

func TestEdit_AppendsVersionAndPreservesCreationTime(t *testing.T) {
	clock := t0
	svc, _ := newService(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("a", "contains(url, 'x')"))
	require.NoError(t, err)

	clock = t0.Add(time.Hour)
	disabled := false
	edited, err := svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{
		Condition: "contains(url, 'y')",
		Enabled:   &disabled,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, edited.Version)
	assert.Equal(t, "a", edited.Name, "empty fields keep their value")
	assert.Equal(t, "contains(url, 'y')", edited.Condition)
	assert.False(t, edited.Enabled)
	assert.Equal(t, t0, edited.CreationTime)
	assert.Equal(t, clock, edited.LastEditTime)

	got, err := svc.Get(ctx, "shop.example", r.ID)
	require.NoError(t, err)
	assert.Equal(t, edited, got)

	history, err := svc.History(ctx, "shop.example", r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 1, history[1].Version)
}

func TestEdit_ClearsPointerFields(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	in := input("a", "contains(url, 'x')")
	seconds, note := 30, "checkout abuse"
	in.ActionTime, in.Description = &seconds, &note
	r, err := svc.Create(ctx, "shop.example", in)
	require.NoError(t, err)
	assert.Equal(t, 30, r.ActionTime)
	assert.Equal(t, "checkout abuse", r.Description)

	kept, err := svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, 30, kept.ActionTime)
	assert.Equal(t, "checkout abuse", kept.Description)

	zero, empty := 0, ""
	cleared, err := svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{ActionTime: &zero, Description: &empty})
	require.NoError(t, err)
	assert.Zero(t, cleared.ActionTime)
	assert.Empty(t, cleared.Description)
	assert.Equal(t, "b", cleared.Name)
}

func TestEdit_ConcurrentEditsLeaveExactlyOneCurrentRow(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'x')"))
		require.NoError(t, err)
	}
	const id = int64(7)
	for i := 0; i < 2; i++ {
		_, err := svc.Edit(ctx, "shop.example", id, models.RuleInput{Name: "warmup"})
		require.NoError(t, err)
	}
	head, err := store.Head(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, head.Version)

	// Both editors read v3 before either writes.
	base := head
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := base
			next.Version = base.Version + 1
			next.Name = []string{"left", "right"}[i]
			results[i] = store.Replace(ctx, next, base.Version)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	rules, err := svc.List(ctx, "shop.example")
	require.NoError(t, err)
	var current []models.Rule
	for _, r := range rules {
		if r.ID == id {
			current = append(current, r)
		}
	}
	require.Len(t, current, 1)
	assert.Equal(t, 4, current[0].Version)

	history, err := svc.History(ctx, "shop.example", id)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestEdit_ManyConcurrentServiceEdits(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'x')"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Name: "d"}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
	}
	wg.Wait()

	head, err := svc.Get(ctx, "shop.example", r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+succeeded, head.Version)

	history, err := svc.History(ctx, "shop.example", r.ID)
	require.NoError(t, err)
	assert.Len(t, history, head.Version)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestEdit_LockHeldElsewhereIsConflict(t *testing.T) {
	svc, _ := newService(WithLocker(busyLocker{}, time.Second))
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'x')"))
	require.NoError(t, err)

	_, err = svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Name: "n"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'x')"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, "other.example", r.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = svc.Edit(ctx, "other.example", r.ID, models.RuleInput{Name: "stolen"})
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "other.example", r.ID), ErrRuleNotFound)
	_, err = svc.History(ctx, "shop", r.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound, "substring tenants are not owners")

	rules, err := svc.List(ctx, "other.example")
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = svc.List(ctx, " ")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}

func TestDelete_RemovesAllVersions(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'x')"))
	require.NoError(t, err)
	_, err = svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Name: "v2"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "shop.example", r.ID))

	_, err = store.History(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "shop.example", r.ID), ErrRuleNotFound)
}

func TestMatch(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	hit, err := svc.Create(ctx, "shop.example", input("admin", "contains(url, '/admin')"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "shop.example", input("broken", "contains(url"))
	require.NoError(t, err, "conditions are stored unvalidated")
	off, err := svc.Create(ctx, "shop.example", input("off", "contains(url, '/admin')"))
	require.NoError(t, err)
	disabled := false
	_, err = svc.Edit(ctx, "shop.example", off.ID, models.RuleInput{Enabled: &disabled})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "other.example", input("foreign", "contains(url, '/admin')"))
	require.NoError(t, err)

	ev := &models.Event{Hostname: "Shop.Example", SessionID: "S", URL: "https://shop.example/admin/users"}
	matched, err := svc.Match(ctx, ev)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, hit.ID, matched[0].ID)

	ev.URL = "https://shop.example/cart"
	matched, err = svc.Match(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatch_RecompilesAfterEdit(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	r, err := svc.Create(ctx, "shop.example", input("r", "contains(url, 'old')"))
	require.NoError(t, err)
	ev := &models.Event{Hostname: "shop.example", SessionID: "S", URL: "/new"}

	matched, err := svc.Match(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, matched)

	_, err = svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Condition: "contains(url, 'new')"})
	require.NoError(t, err)

	matched, err = svc.Match(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}
