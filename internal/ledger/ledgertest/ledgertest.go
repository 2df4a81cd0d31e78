// Package ledgertest checks that a ledger.Store backend behaves like the
// in-process store.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/ledger"
	"traffic-prism/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// RunStore runs every case against a fresh store from newStore.
func RunStore(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	cases := map[string]func(*testing.T, ledger.Store){
		"SequentialIDsFromZero":   sequentialIDs,
		"DeletedIDsAreNotReused":  deletedIDsNotReused,
		"ConcurrentCreates":       concurrentCreates,
		"ConcurrentReplaceOneWin": concurrentReplace,
		"ListAndHistory":          listAndHistory,
	}
	names := make([]string, 0, len(cases))
	for name := range cases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.Run(name, func(t *testing.T) { cases[name](t, newStore(t)) })
	}
}

func service(store ledger.Store) *ledger.Service {
	return ledger.NewService(store, zap.NewNop(), ledger.WithClock(func() time.Time { return t0 }))
}

func input(name string) models.RuleInput {
	return models.RuleInput{Name: name, Condition: "contains(url, 'x')", Action: models.RuleActionTerminate}
}

func sequentialIDs(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	maxID, err := store.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), maxID)

	svc := service(store)
	for want := int64(0); want < 3; want++ {
		r, err := svc.Create(ctx, "shop.example", input(fmt.Sprint("r", want)))
		require.NoError(t, err)
		assert.Equal(t, want, r.ID)
	}

	err = store.Insert(ctx, models.Rule{ID: 1, Version: 1, Hostname: "shop.example", Name: "dup"})
	assert.ErrorIs(t, err, ledger.ErrIDTaken)
}

func deletedIDsNotReused(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	svc := service(store)

	first, err := svc.Create(ctx, "shop.example", input("a"))
	require.NoError(t, err)
	last, err := svc.Create(ctx, "shop.example", input("b"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "shop.example", last.ID))

	maxID, err := store.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.ID, maxID, "deleting the highest id keeps the mark")

	next, err := svc.Create(ctx, "shop.example", input("c"))
	require.NoError(t, err)
	assert.Equal(t, last.ID+1, next.ID)
	assert.NotEqual(t, first.ID, next.ID)
}

func concurrentCreates(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	svc := service(store)

	const creators = 4
	ids := make([]int64, creators)
	errs := make([]error, creators)
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Create(ctx, "shop.example", input(fmt.Sprint("c", i)))
			ids[i], errs[i] = r.ID, err
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i, err := range errs {
		require.NoError(t, err)
		assert.False(t, seen[ids[i]], "id %d allocated twice", ids[i])
		seen[ids[i]] = true
	}
}

func concurrentReplace(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	svc := service(store)

	r, err := svc.Create(ctx, "shop.example", input("r"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := svc.Edit(ctx, "shop.example", r.ID, models.RuleInput{Name: fmt.Sprint("v", i+2)})
		require.NoError(t, err)
	}
	base, err := store.Head(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 3, base.Version)

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
		case errors.Is(err, ledger.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	heads, err := store.ListHeads(ctx, "shop.example")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, 4, heads[0].Version)

	history, err := store.History(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func listAndHistory(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	svc := service(store)

	a, err := svc.Create(ctx, "shop.example", input("a"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "other.example", input("b"))
	require.NoError(t, err)
	_, err = svc.Edit(ctx, "shop.example", a.ID, models.RuleInput{Name: "a2"})
	require.NoError(t, err)

	heads, err := store.ListHeads(ctx, "shop.example")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "a2", heads[0].Name)
	assert.Equal(t, t0, heads[0].CreationTime.UTC())

	history, err := store.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 1, history[1].Version)

	existed, err := store.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, existed)
	_, err = store.Head(ctx, a.ID)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
	_, err = store.History(ctx, a.ID)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
}
