// Package ledger is the tenant-scoped, versioned rule ledger. Edits append
// a new version and move the current-version head with a compare-and-swap,
// so concurrent editors of one rule cannot leave zero or two current rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
	"traffic-prism/internal/predicate"
	"traffic-prism/internal/util"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrConflict     = errors.New("rule was modified concurrently")
	ErrInvalidRule  = errors.New("invalid rule")
	ErrIDTaken      = errors.New("rule id already allocated")
)

const maxCreateAttempts = 5

// Store persists rule versions and the current-version head of each id.
type Store interface {
	// MaxID returns the largest allocated id, or -1 for an empty ledger.
	MaxID(ctx context.Context) (int64, error)
	// Insert stores version 1 of a new id; ErrIDTaken if the id exists.
	Insert(ctx context.Context, rule models.Rule) error
	Head(ctx context.Context, id int64) (models.Rule, error)
	// Replace appends next and moves the head to it only if the head is
	// still at expectedVersion; otherwise ErrConflict.
	Replace(ctx context.Context, next models.Rule, expectedVersion int) error
	// Delete removes every version of id and reports whether any existed.
	Delete(ctx context.Context, id int64) (bool, error)
	ListHeads(ctx context.Context, hostname string) ([]models.Rule, error)
	History(ctx context.Context, id int64) ([]models.Rule, error)
}

// Locker serialises editors of one rule across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Service struct {
	store   Store
	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time

	compiled sync.Map // compiledKey -> predicate.Predicate (nil when unparsable)
}

type compiledKey struct {
	id      int64
	version int
}

type Option func(*Service)

// WithLocker adds a distributed edit lock in front of the CAS.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		s.lockTTL = ttl
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  logger,
		now:     time.Now,
		lockTTL: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func tenantOf(hostname string) (string, error) {
	tenant := util.NormalizeHostname(hostname)
	if tenant == "" {
		return "", models.ErrTenantRequired
	}
	return tenant, nil
}

func normalizeAction(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "", models.RuleActionTerminate:
		return models.RuleActionTerminate, nil
	case models.RuleActionCaptcha:
		return models.RuleActionCaptcha, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRule, action)
	}
}

// Create allocates the next ledger-wide id and stores version 1.
func (s *Service) Create(ctx context.Context, hostname string, in models.RuleInput) (models.Rule, error) {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return models.Rule{}, err
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Condition) == "" {
		return models.Rule{}, fmt.Errorf("%w: name and rule are required", ErrInvalidRule)
	}
	action, err := normalizeAction(in.Action)
	if err != nil {
		return models.Rule{}, err
	}

	now := s.now().UTC()
	rule := models.Rule{
		Hostname:     tenant,
		Name:         strings.TrimSpace(in.Name),
		Condition:    in.Condition,
		Action:       action,
		Version:      1,
		Enabled:      in.Enabled == nil || *in.Enabled,
		Source:       in.Source,
		CreationTime: now,
		LastEditTime: now,
	}
	if in.ActionTime != nil {
		rule.ActionTime = *in.ActionTime
	}
	if in.Description != nil {
		rule.Description = *in.Description
	}
	if rule.Source == "" {
		rule.Source = models.RuleSourceManual
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		maxID, err := s.store.MaxID(ctx)
		if err != nil {
			metrics.RuleOperationsTotal.WithLabelValues("create", "error").Inc()
			return models.Rule{}, fmt.Errorf("failed to allocate rule id: %w", err)
		}
		rule.ID = maxID + 1

		err = s.store.Insert(ctx, rule)
		if errors.Is(err, ErrIDTaken) {
			continue
		}
		if err != nil {
			metrics.RuleOperationsTotal.WithLabelValues("create", "error").Inc()
			return models.Rule{}, fmt.Errorf("failed to create rule: %w", err)
		}

		metrics.RuleOperationsTotal.WithLabelValues("create", "ok").Inc()
		s.logger.Info("Rule created",
			zap.Int64("rule_id", rule.ID),
			zap.String("hostname", tenant),
			zap.String("name", rule.Name),
			zap.String("source", rule.Source))
		return rule, nil
	}

	metrics.RuleOperationsTotal.WithLabelValues("create", "conflict").Inc()
	return models.Rule{}, ErrConflict
}

// Edit appends version+1 of a rule. Zero-valued input fields keep their
// current value. A concurrent edit that moved the head first makes this
// call fail with ErrConflict.
func (s *Service) Edit(ctx context.Context, hostname string, id int64, in models.RuleInput) (models.Rule, error) {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return models.Rule{}, err
	}

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, fmt.Sprintf("%d", id), s.lockTTL)
		if err != nil {
			return models.Rule{}, fmt.Errorf("failed to acquire rule edit lock: %w", err)
		}
		if !ok {
			metrics.RuleOperationsTotal.WithLabelValues("edit", "conflict").Inc()
			return models.Rule{}, ErrConflict
		}
		defer release()
	}

	current, err := s.owned(ctx, tenant, id)
	if err != nil {
		return models.Rule{}, err
	}

	next := current
	next.Version = current.Version + 1
	next.LastEditTime = s.now().UTC()
	if name := strings.TrimSpace(in.Name); name != "" {
		next.Name = name
	}
	if in.Condition != "" {
		next.Condition = in.Condition
	}
	if in.Action != "" {
		if next.Action, err = normalizeAction(in.Action); err != nil {
			return models.Rule{}, err
		}
	}
	if in.ActionTime != nil {
		next.ActionTime = *in.ActionTime
	}
	if in.Enabled != nil {
		next.Enabled = *in.Enabled
	}
	if in.Description != nil {
		next.Description = *in.Description
	}

	if err := s.store.Replace(ctx, next, current.Version); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrRuleNotFound) {
			metrics.RuleOperationsTotal.WithLabelValues("edit", "conflict").Inc()
			return models.Rule{}, err
		}
		metrics.RuleOperationsTotal.WithLabelValues("edit", "error").Inc()
		return models.Rule{}, fmt.Errorf("failed to edit rule: %w", err)
	}

	metrics.RuleOperationsTotal.WithLabelValues("edit", "ok").Inc()
	s.logger.Info("Rule edited",
		zap.Int64("rule_id", id),
		zap.String("hostname", tenant),
		zap.Int("version", next.Version))
	return next, nil
}

// Delete removes every version of a rule.
func (s *Service) Delete(ctx context.Context, hostname string, id int64) error {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return err
	}
	if _, err := s.owned(ctx, tenant, id); err != nil {
		return err
	}

	existed, err := s.store.Delete(ctx, id)
	if err != nil {
		metrics.RuleOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if !existed {
		return ErrRuleNotFound
	}

	metrics.RuleOperationsTotal.WithLabelValues("delete", "ok").Inc()
	s.logger.Info("Rule deleted", zap.Int64("rule_id", id), zap.String("hostname", tenant))
	return nil
}

// List returns the current version of every rule the tenant owns.
func (s *Service) List(ctx context.Context, hostname string) ([]models.Rule, error) {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListHeads(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (s *Service) Get(ctx context.Context, hostname string, id int64) (models.Rule, error) {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return models.Rule{}, err
	}
	return s.owned(ctx, tenant, id)
}

// History returns every retained version of a rule, newest first.
func (s *Service) History(ctx context.Context, hostname string, id int64) ([]models.Rule, error) {
	tenant, err := tenantOf(hostname)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, tenant, id); err != nil {
		return nil, err
	}
	versions, err := s.store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule history: %w", err)
	}
	return versions, nil
}

// Match returns the enabled rules of the event's tenant whose condition
// holds for the event. Unparsable conditions never match.
func (s *Service) Match(ctx context.Context, ev *models.Event) ([]models.Rule, error) {
	rules, err := s.List(ctx, ev.Hostname)
	if err != nil {
		return nil, err
	}

	var matched []models.Rule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if pred := s.compile(r); pred != nil && pred.Eval(ev) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (s *Service) compile(r models.Rule) predicate.Predicate {
	key := compiledKey{r.ID, r.Version}
	if cached, ok := s.compiled.Load(key); ok {
		pred, _ := cached.(predicate.Predicate)
		return pred
	}

	pred, err := predicate.Parse(r.Condition)
	if err != nil {
		s.logger.Warn("Rule condition does not parse; it will never match",
			zap.Int64("rule_id", r.ID),
			zap.Int("version", r.Version),
			zap.Error(err))
		s.compiled.Store(key, nil)
		return nil
	}
	s.compiled.Store(key, pred)
	return pred
}

func (s *Service) owned(ctx context.Context, tenant string, id int64) (models.Rule, error) {
	rule, err := s.store.Head(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return models.Rule{}, ErrRuleNotFound
		}
		return models.Rule{}, fmt.Errorf("failed to load rule: %w", err)
	}
	if rule.Hostname != tenant {
		return models.Rule{}, ErrRuleNotFound
	}
	return rule, nil
}
