// Package clickhouse persists navigation events and operator mappings.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"traffic-prism/internal/client"
	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

// querier is the subset of *client.ClickHouseClient the repositories use.
type querier interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error)
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

var _ querier = (*client.ClickHouseClient)(nil)

const eventColumns = `t.timestamp, t.url, t.referrer, t.ip_address, t.user_agent, t.platform,
    t.language, t.hostname, t.session_id, t.browser_id, t.fingerprint_id, t.clickdata,
    rd.country, rd.region, rd.city`

const eventJoin = `tracking_events AS t
    LEFT ANY JOIN region_details AS rd ON t.ip_address = rd.ip_address`

// maxDateTime is the upper limit of the DateTime64 column range.
var maxDateTime = time.Date(2299, 12, 31, 0, 0, 0, 0, time.UTC)

// EventRepository is the append-only event log. Locations live in
// region_details, one row per source IP.
type EventRepository struct {
	db querier
}

func NewEventRepository(db *client.ClickHouseClient) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Schema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracking_events (
            timestamp DateTime64(3, 'UTC'),
            url String,
            referrer String,
            ip_address String,
            user_agent String,
            platform String,
            language String,
            hostname LowCardinality(String),
            session_id String,
            browser_id String,
            fingerprint_id String,
            clickdata String
        ) ENGINE = MergeTree()
        ORDER BY (hostname, session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS region_details (
            ip_address String,
            country String,
            region String,
            city String,
            updated_at DateTime DEFAULT now()
        ) ENGINE = ReplacingMergeTree(updated_at)
        ORDER BY ip_address`,
	}
	for _, stmt := range stmts {
		if err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply event schema: %w", err)
		}
	}
	return nil
}

// Append stores events and the locations resolved for their IPs.
func (r *EventRepository) Append(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	regions := make([][]interface{}, 0, len(events))
	seen := make(map[string]struct{})
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.Timestamp.UTC(), ev.URL, ev.Referrer, ev.IPAddress, ev.UserAgent,
			ev.Platform, ev.Language, ev.Hostname, ev.SessionID, ev.BrowserID,
			ev.FingerprintID, ev.ClickData,
		})
		if ev.GeoKey() == "" || ev.IPAddress == "" {
			continue
		}
		if _, ok := seen[ev.IPAddress]; ok {
			continue
		}
		seen[ev.IPAddress] = struct{}{}
		regions = append(regions, []interface{}{ev.IPAddress, ev.Country, ev.Region, ev.City})
	}

	if err := r.db.BatchInsert(ctx, `INSERT INTO tracking_events (
        timestamp, url, referrer, ip_address, user_agent, platform, language,
        hostname, session_id, browser_id, fingerprint_id, clickdata)`, rows); err != nil {
		util.Error("Failed to append tracking events", zap.Int("count", len(rows)), zap.Error(err))
		return fmt.Errorf("failed to append events: %w", err)
	}

	if len(regions) > 0 {
		if err := r.db.BatchInsert(ctx,
			`INSERT INTO region_details (ip_address, country, region, city)`, regions); err != nil {
			// events are stored; a missing location only weakens geo_risk
			util.Warn("Failed to store region details", zap.Int("count", len(regions)), zap.Error(err))
		}
	}
	return nil
}

// TenantEvents returns the tenant's events with start <= timestamp < end,
// ordered by session and time. A zero bound is open.
func (r *EventRepository) TenantEvents(ctx context.Context, hostname string, start, end time.Time) ([]models.Event, error) {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	if end.IsZero() {
		end = maxDateTime
	}
	q := `SELECT ` + eventColumns + ` FROM ` + eventJoin + `
        WHERE t.hostname = ? AND t.timestamp >= ? AND t.timestamp < ?
        ORDER BY t.session_id, t.timestamp`
	return r.query(ctx, q, hostname, start.UTC(), end.UTC())
}

func (r *EventRepository) SessionEvents(ctx context.Context, hostname, sessionID string) ([]models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ` + eventJoin + `
        WHERE t.hostname = ? AND t.session_id = ?
        ORDER BY t.timestamp`
	return r.query(ctx, q, hostname, sessionID)
}

// SessionHostname returns the tenant a session's latest event was recorded
// under, or "" when the session is unknown.
func (r *EventRepository) SessionHostname(ctx context.Context, sessionID string) (string, error) {
	rows, err := r.db.QueryRows(ctx,
		`SELECT hostname FROM tracking_events WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1`, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to look up session hostname: %w", err)
	}
	defer rows.Close()

	var hostname string
	if rows.Next() {
		if err := rows.Scan(&hostname); err != nil {
			return "", fmt.Errorf("failed to scan session hostname: %w", err)
		}
	}
	return util.NormalizeHostname(hostname), rows.Err()
}

func (r *EventRepository) query(ctx context.Context, q string, args ...interface{}) ([]models.Event, error) {
	rows, err := r.db.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(
			&ev.Timestamp, &ev.URL, &ev.Referrer, &ev.IPAddress, &ev.UserAgent,
			&ev.Platform, &ev.Language, &ev.Hostname, &ev.SessionID, &ev.BrowserID,
			&ev.FingerprintID, &ev.ClickData, &ev.Country, &ev.Region, &ev.City,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
