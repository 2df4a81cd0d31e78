package risk

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
)

const defaultBatchWorkers = 8

// EventStore is the read side of the event log used for scoring.
type EventStore interface {
	// TenantEvents returns every event of the tenant in [start, end].
	// A zero start or end leaves that side unbounded.
	TenantEvents(ctx context.Context, hostname string, start, end time.Time) ([]models.Event, error)
	// SessionEvents returns one session's events in timestamp order.
	SessionEvents(ctx context.Context, hostname, sessionID string) ([]models.Event, error)
}

// Service serves on-demand risk queries and batch recomputation. It keeps
// no scoring state between calls.
type Service struct {
	store   EventStore
	logger  *zap.Logger
	workers int
	now     func() time.Time
}

type Option func(*Service)

// WithBatchWorkers bounds RecomputeBatch concurrency.
func WithBatchWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithClock overrides time.Now for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a risk service over the given event store.
func NewService(store EventStore, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  logger,
		workers: defaultBatchWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryRisk scores every session of the tenant active in the window,
// highest composite score first. Store failures are logged and produce
// an empty result.
func (s *Service) QueryRisk(ctx context.Context, hostname string, start, end time.Time) ([]models.RiskAssessment, error) {
	if strings.TrimSpace(hostname) == "" {
		return nil, models.ErrTenantRequired
	}
	timer := time.Now()
	defer func() {
		metrics.ScoringDuration.WithLabelValues("query").Observe(time.Since(timer).Seconds())
	}()

	events, err := s.store.TenantEvents(ctx, hostname, start, end)
	if err != nil {
		s.logger.Error("Failed to load events for risk query",
			zap.String("hostname", hostname),
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Error(err))
		return []models.RiskAssessment{}, nil
	}

	results, err := s.RecomputeBatch(ctx, GroupSessions(events))
	if err != nil {
		s.logger.Warn("Risk query cancelled", zap.String("hostname", hostname), zap.Error(err))
		return []models.RiskAssessment{}, nil
	}
	SortAssessments(results)
	return results, nil
}

// RecomputeBatch runs Assess over many sessions concurrently. Results keep
// the input order.
func (s *Service) RecomputeBatch(ctx context.Context, sessions []*models.Session) ([]models.RiskAssessment, error) {
	results := make([]models.RiskAssessment, len(sessions))
	now := s.now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Assess(sess, now)
			metrics.AssessmentsTotal.WithLabelValues(results[i].RecommendedAction).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Journey returns the ordered event trail of one session.
func (s *Service) Journey(ctx context.Context, hostname, sessionID string) ([]models.Event, error) {
	if strings.TrimSpace(hostname) == "" {
		return nil, models.ErrTenantRequired
	}
	events, err := s.store.SessionEvents(ctx, hostname, sessionID)
	if err != nil {
		s.logger.Error("Failed to load session journey",
			zap.String("hostname", hostname),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return []models.Event{}, nil
	}
	return events, nil
}

// GroupSessions splits a tenant window into per-session aggregates, in
// order of first appearance.
func GroupSessions(events []models.Event) []*models.Session {
	type key struct{ hostname, sessionID string }
	buckets := make(map[key][]models.Event)
	var order []key
	for _, ev := range events {
		k := key{ev.Hostname, ev.SessionID}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], ev)
	}

	sessions := make([]*models.Session, 0, len(order))
	for _, k := range order {
		sessions = append(sessions, models.NewSession(k.hostname, k.sessionID, buckets[k]))
	}
	return sessions
}

// SortAssessments orders by composite score descending, then session id.
func SortAssessments(results []models.RiskAssessment) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CompositeScore != results[j].CompositeScore {
			return results[i].CompositeScore > results[j].CompositeScore
		}
		return results[i].SessionID < results[j].SessionID
	})
}
