package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const defaultShards = 32

type shard struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	tombstones map[string]time.Time
}

// Memory is a process-local registry split into mutex-guarded shards.
type Memory struct {
	shards       []*shard
	tombstoneTTL time.Duration
	now          func() time.Time
}

// NewMemory creates a registry with the given shard count. Tombstones are
// kept for tombstoneTTL; zero keeps them until process exit.
func NewMemory(shards int, tombstoneTTL time.Duration) *Memory {
	if shards <= 0 {
		shards = defaultShards
	}
	m := &Memory{
		shards:       make([]*shard, shards),
		tombstoneTTL: tombstoneTTL,
		now:          time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			entries:    make(map[string]*Entry),
			tombstones: make(map[string]time.Time),
		}
	}
	return m
}

func (m *Memory) shardFor(sessionID string) *shard {
	return m.shards[ShardIndex(sessionID, len(m.shards))]
}

// ShardIndex maps a session id onto one of n shards.
func ShardIndex(sessionID string, n int) int {
	return int(murmur3.Sum32([]byte(sessionID)) % uint32(n))
}

func (m *Memory) Touch(_ context.Context, sessionID, hostname string, at time.Time) (bool, error) {
	s := m.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dead := s.tombstones[sessionID]; dead {
		return false, nil
	}
	if e, ok := s.entries[sessionID]; ok {
		if at.After(e.LastSeen) {
			e.LastSeen = at
		}
		if e.Hostname == "" {
			e.Hostname = hostname
		}
		return true, nil
	}
	s.entries[sessionID] = &Entry{
		SessionID: sessionID,
		Hostname:  hostname,
		LastSeen:  at,
		State:     StateTracked,
	}
	return true, nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (Entry, error) {
	s := m.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (m *Memory) SetState(_ context.Context, sessionID string, state State) error {
	s := m.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.State = state
	return nil
}

func (m *Memory) Remove(_ context.Context, sessionID string) (bool, error) {
	s := m.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[sessionID]
	if !ok {
		return false, nil
	}
	delete(s.entries, sessionID)
	s.tombstones[sessionID] = m.now()
	return true, nil
}

func (m *Memory) Expire(_ context.Context, cutoff time.Time) ([]string, error) {
	var expired []string
	now := m.now()
	for _, s := range m.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.LastSeen.Before(cutoff) {
				delete(s.entries, id)
				expired = append(expired, id)
			}
		}
		if m.tombstoneTTL > 0 {
			for id, at := range s.tombstones {
				if now.Sub(at) > m.tombstoneTTL {
					delete(s.tombstones, id)
				}
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(expired)
	return expired, nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	var out []Entry
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, *e)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n, nil
}
