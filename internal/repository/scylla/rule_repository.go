package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"traffic-prism/internal/ledger"
	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

// RuleRepository stores every rule version in rule_versions and the current
// version of each id in rule_heads. Heads only move through lightweight
// transactions, so the current row of an id is always unique. Ids come from
// the rule_ids high-water mark and are never handed out twice.
type RuleRepository struct {
	client *ScyllaClient
}

func NewRuleRepository(client *ScyllaClient) *RuleRepository {
	return &RuleRepository{client: client}
}

var _ ledger.Store = (*RuleRepository)(nil)

func (r *RuleRepository) query(ctx context.Context, stmt *gocql.Query, values ...interface{}) *gocql.Query {
	return r.client.Session.Query(stmt.Statement(), values...).WithContext(ctx)
}

func (r *RuleRepository) MaxID(ctx context.Context) (int64, error) {
	var high int64
	if err := r.query(ctx, r.client.Prepared.MaxRuleID).Scan(&high); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return -1, nil
		}
		return 0, fmt.Errorf("failed to read max rule id: %w", err)
	}
	return high, nil
}

// Insert advances the high-water mark from rule.ID-1 to rule.ID, then
// claims the head and writes version 1. A failed version write releases
// the head; the id stays consumed.
func (r *RuleRepository) Insert(ctx context.Context, rule models.Rule) error {
	claim := r.query(ctx, r.client.Prepared.AdvanceID, rule.ID, rule.ID-1)
	if rule.ID == 0 {
		claim = r.query(ctx, r.client.Prepared.ClaimFirstID, rule.ID)
	}
	applied, err := claim.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to allocate rule id", zap.Int64("rule_id", rule.ID), zap.Error(err))
		return fmt.Errorf("failed to allocate rule id: %w", err)
	}
	if !applied {
		return ledger.ErrIDTaken
	}

	applied, err = r.query(ctx, r.client.Prepared.InsertHead, rule.ID, rule.Hostname, rule.Version).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to claim rule id", zap.Int64("rule_id", rule.ID), zap.Error(err))
		return fmt.Errorf("failed to claim rule id: %w", err)
	}
	if !applied {
		return ledger.ErrIDTaken
	}

	if err := r.insertVersion(ctx, rule); err != nil {
		if _, rerr := r.query(ctx, r.client.Prepared.ReleaseHead, rule.ID, rule.Version).
			MapScanCAS(map[string]interface{}{}); rerr != nil {
			util.Warn("Failed to release rule head",
				zap.Int64("rule_id", rule.ID),
				zap.Error(rerr))
		}
		return err
	}

	util.Debug("Rule head inserted", zap.Int64("rule_id", rule.ID), zap.String("hostname", rule.Hostname))
	return nil
}

func (r *RuleRepository) insertVersion(ctx context.Context, rule models.Rule) error {
	applied, err := r.query(ctx, r.client.Prepared.InsertVersion,
		rule.ID, rule.Version, rule.Hostname, rule.Name, rule.Condition,
		rule.Action, rule.ActionTime, rule.Enabled, rule.Source,
		rule.Description, rule.CreationTime, rule.LastEditTime).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to insert rule version",
			zap.Int64("rule_id", rule.ID),
			zap.Int("version", rule.Version),
			zap.Error(err))
		return fmt.Errorf("failed to insert rule version: %w", err)
	}
	if !applied {
		return ledger.ErrConflict
	}
	return nil
}

func (r *RuleRepository) Head(ctx context.Context, id int64) (models.Rule, error) {
	var hostname string
	var version int
	if err := r.query(ctx, r.client.Prepared.GetHead, id).Scan(&hostname, &version); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return models.Rule{}, ledger.ErrRuleNotFound
		}
		return models.Rule{}, fmt.Errorf("failed to read rule head: %w", err)
	}
	return r.version(ctx, id, version)
}

func (r *RuleRepository) version(ctx context.Context, id int64, version int) (models.Rule, error) {
	var rule models.Rule
	err := r.query(ctx, r.client.Prepared.GetVersion, id, version).Scan(scanTargets(&rule)...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return models.Rule{}, ledger.ErrRuleNotFound
		}
		return models.Rule{}, fmt.Errorf("failed to read rule version: %w", err)
	}
	return rule, nil
}

// Replace writes the next version row, then moves the head with
// UPDATE ... IF version = expected. A losing CAS removes its orphan row.
func (r *RuleRepository) Replace(ctx context.Context, next models.Rule, expectedVersion int) error {
	if err := r.insertVersion(ctx, next); err != nil {
		return err
	}

	applied, err := r.query(ctx, r.client.Prepared.CompareAndSwap, next.Version, next.ID, expectedVersion).
		MapScanCAS(map[string]interface{}{})
	if err == nil && applied {
		return nil
	}

	if derr := r.query(ctx, r.client.Prepared.DeleteVersion, next.ID, next.Version).Exec(); derr != nil {
		util.Warn("Failed to remove orphan rule version",
			zap.Int64("rule_id", next.ID),
			zap.Int("version", next.Version),
			zap.Error(derr))
	}
	if err != nil {
		return fmt.Errorf("failed to move rule head: %w", err)
	}
	return ledger.ErrConflict
}

func (r *RuleRepository) Delete(ctx context.Context, id int64) (bool, error) {
	applied, err := r.query(ctx, r.client.Prepared.DeleteHead, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to delete rule head: %w", err)
	}
	if err := r.client.ExecuteWithRetry(r.query(ctx, r.client.Prepared.DeleteVersions, id), 2); err != nil {
		util.Error("Failed to delete rule versions", zap.Int64("rule_id", id), zap.Error(err))
		return applied, fmt.Errorf("failed to delete rule versions: %w", err)
	}
	return applied, nil
}

func (r *RuleRepository) ListHeads(ctx context.Context, hostname string) ([]models.Rule, error) {
	iter := r.query(ctx, r.client.Prepared.HeadsByHostname, hostname).Iter()

	type head struct {
		id      int64
		version int
	}
	var heads []head
	var h head
	for iter.Scan(&h.id, &h.version) {
		heads = append(heads, h)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list rule heads: %w", err)
	}

	rules := make([]models.Rule, 0, len(heads))
	for _, h := range heads {
		rule, err := r.version(ctx, h.id, h.version)
		if errors.Is(err, ledger.ErrRuleNotFound) {
			// head claimed, version row not yet visible
			continue
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (r *RuleRepository) History(ctx context.Context, id int64) ([]models.Rule, error) {
	iter := r.query(ctx, r.client.Prepared.History, id).Iter()

	var versions []models.Rule
	var rule models.Rule
	for iter.Scan(scanTargets(&rule)...) {
		versions = append(versions, rule)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read rule history: %w", err)
	}
	if len(versions) == 0 {
		return nil, ledger.ErrRuleNotFound
	}
	return versions, nil
}

func scanTargets(r *models.Rule) []interface{} {
	return []interface{}{
		&r.ID, &r.Version, &r.Hostname, &r.Name, &r.Condition, &r.Action,
		&r.ActionTime, &r.Enabled, &r.Source, &r.Description,
		&r.CreationTime, &r.LastEditTime,
	}
}
