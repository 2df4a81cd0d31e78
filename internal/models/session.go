package models

import (
	"sort"
	"time"
)

// Session is a derived aggregate over the events sharing a session id.
type Session struct {
	Hostname       string
	SessionID      string
	BrowserIDs     map[string]struct{}
	FingerprintIDs map[string]struct{}
	IPs            map[string]struct{}
	Locations      map[string]struct{}
	Events         []Event
	FirstActivity  time.Time
	LastActivity   time.Time
}

// NewSession builds the aggregate from an unordered event window. The
// window is copied and sorted by timestamp; equal timestamps keep their
// original order.
func NewSession(hostname, sessionID string, events []Event) *Session {
	window := make([]Event, len(events))
	copy(window, events)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})

	s := &Session{
		Hostname:       hostname,
		SessionID:      sessionID,
		BrowserIDs:     make(map[string]struct{}),
		FingerprintIDs: make(map[string]struct{}),
		IPs:            make(map[string]struct{}),
		Locations:      make(map[string]struct{}),
		Events:         window,
	}

	for i := range window {
		ev := &window[i]
		s.BrowserIDs[ev.BrowserID] = struct{}{}
		if ev.FingerprintID != "" {
			s.FingerprintIDs[ev.FingerprintID] = struct{}{}
		}
		s.IPs[ev.IPAddress] = struct{}{}
		if key := ev.GeoKey(); key != "" {
			s.Locations[key] = struct{}{}
		}
	}

	if len(window) > 0 {
		s.FirstActivity = window[0].Timestamp
		s.LastActivity = window[len(window)-1].Timestamp
	}
	return s
}

// Duration is last minus first activity.
func (s *Session) Duration() time.Duration {
	return s.LastActivity.Sub(s.FirstActivity)
}
