// Package memory holds in-process stand-ins for the external stores, used
// in development when ClickHouse is not configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

// EventStore keeps events per tenant in arrival order.
type EventStore struct {
	mu       sync.RWMutex
	byTenant map[string][]models.Event
	tenantOf map[string]string
}

func NewEventStore() *EventStore {
	return &EventStore{
		byTenant: make(map[string][]models.Event),
		tenantOf: make(map[string]string),
	}
}

func (s *EventStore) Append(_ context.Context, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.byTenant[ev.Hostname] = append(s.byTenant[ev.Hostname], ev)
		s.tenantOf[ev.SessionID] = ev.Hostname
	}
	return nil
}

func (s *EventStore) TenantEvents(_ context.Context, hostname string, start, end time.Time) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, ev := range s.byTenant[hostname] {
		if (start.IsZero() || !ev.Timestamp.Before(start)) && (end.IsZero() || ev.Timestamp.Before(end)) {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *EventStore) SessionEvents(_ context.Context, hostname, sessionID string) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, ev := range s.byTenant[hostname] {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out, nil
}

// SessionHostname returns the tenant of the session's latest event.
func (s *EventStore) SessionHostname(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return util.NormalizeHostname(s.tenantOf[sessionID]), nil
}

func sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].SessionID != events[j].SessionID {
			return events[i].SessionID < events[j].SessionID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
