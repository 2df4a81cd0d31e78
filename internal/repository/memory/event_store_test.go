package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-prism/internal/models"
)

func TestEventStore(t *testing.T) {
	s := NewEventStore()
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []models.Event{
		{Hostname: "shop.example", SessionID: "B", Timestamp: t0.Add(2 * time.Second), URL: "/b2"},
		{Hostname: "shop.example", SessionID: "A", Timestamp: t0, URL: "/a"},
		{Hostname: "shop.example", SessionID: "B", Timestamp: t0.Add(time.Second), URL: "/b1"},
		{Hostname: "other.example", SessionID: "C", Timestamp: t0, URL: "/c"},
		{Hostname: "shop.example", SessionID: "A", Timestamp: t0.Add(time.Hour), URL: "/late"},
	}))

	events, err := s.TenantEvents(ctx, "shop.example", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	var urls []string
	for _, ev := range events {
		urls = append(urls, ev.URL)
	}
	assert.Equal(t, []string{"/a", "/b1", "/b2"}, urls)

	journey, err := s.SessionEvents(ctx, "shop.example", "A")
	require.NoError(t, err)
	assert.Len(t, journey, 2)

	journey, err = s.SessionEvents(ctx, "other.example", "A")
	require.NoError(t, err)
	assert.Empty(t, journey, "sessions are tenant scoped")

	h, err := s.SessionHostname(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "other.example", h)

	h, err = s.SessionHostname(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, h)
}
