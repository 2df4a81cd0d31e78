package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/models"
	"traffic-prism/internal/repository/memory"
	"traffic-prism/internal/risk"
)

type recordingIndexer struct {
	ids []string
	err error
}

func (i *recordingIndexer) IndexDocument(_ context.Context, _, id string, _ interface{}) error {
	i.ids = append(i.ids, id)
	return i.err
}

func seed(t *testing.T) *memory.EventStore {
	t.Helper()
	store := memory.NewEventStore()
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Timestamp: day.Add(time.Hour), URL: "/", Hostname: "shop.example", SessionID: "A", IPAddress: "203.0.113.1"},
		{Timestamp: day.Add(2 * time.Hour), URL: "/login", Hostname: "shop.example", SessionID: "A", IPAddress: "203.0.113.1"},
		{Timestamp: day.Add(3 * time.Hour), URL: "/?q=<script>", Hostname: "shop.example", SessionID: "B", IPAddress: "198.51.100.7"},
		{Timestamp: day.Add(26 * time.Hour), URL: "/", Hostname: "shop.example", SessionID: "C", IPAddress: "203.0.113.9"},
		{Timestamp: day.Add(time.Hour), URL: "/", Hostname: "other.example", SessionID: "X", IPAddress: "203.0.113.2"},
	}
	require.NoError(t, store.Append(context.Background(), events))
	return store
}

func TestRecompute_WritesOneLinePerSessionPerDay(t *testing.T) {
	store := seed(t)
	var out bytes.Buffer
	indexer := &recordingIndexer{}
	r := &recomputer{
		events:  store,
		scorer:  risk.NewService(store, zap.NewNop()),
		out:     &out,
		indexer: indexer,
		index:   "session-risk",
		logger:  zap.NewNop(),
	}

	n, err := r.run(context.Background(), "shop.example", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var lines []dailyAssessment
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var rec dailyAssessment
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 3)

	byDay := map[string][]string{}
	for _, l := range lines {
		assert.Equal(t, "shop.example", l.Hostname)
		byDay[l.Day] = append(byDay[l.Day], l.SessionID)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, byDay["2025-03-01"])
	assert.Equal(t, []string{"C"}, byDay["2025-03-02"])
	assert.Contains(t, indexer.ids, "shop.example:C:2025-03-02")
}

func TestRecompute_IndexFailuresDoNotStopTheRun(t *testing.T) {
	store := seed(t)
	r := &recomputer{
		events:  store,
		scorer:  risk.NewService(store, zap.NewNop()),
		out:     &bytes.Buffer{},
		indexer: &recordingIndexer{err: errors.New("cluster down")},
		index:   "session-risk",
		logger:  zap.NewNop(),
	}

	n, err := r.run(context.Background(), "shop.example", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
