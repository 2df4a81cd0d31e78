package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"traffic-prism/internal/client"
	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

// OperatorRepository maps dashboard usernames to their tenant hostname
// using the users table.
type OperatorRepository struct {
	db querier
}

func NewOperatorRepository(db *client.ClickHouseClient) *OperatorRepository {
	return &OperatorRepository{db: db}
}

func (r *OperatorRepository) Schema(ctx context.Context) error {
	err := r.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS users (
        username String,
        hostname String,
        created_at DateTime DEFAULT now()
    ) ENGINE = ReplacingMergeTree(created_at)
    ORDER BY username`)
	if err != nil {
		return fmt.Errorf("failed to apply users schema: %w", err)
	}
	return nil
}

// TenantOf returns the operator's normalized hostname, or
// ErrTenantRequired when none is on file.
func (r *OperatorRepository) TenantOf(ctx context.Context, username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", models.ErrTenantRequired
	}
	rows, err := r.db.QueryRows(ctx,
		`SELECT hostname FROM users FINAL WHERE username = ? LIMIT 1`, username)
	if err != nil {
		return "", fmt.Errorf("failed to look up operator: %w", err)
	}
	defer rows.Close()

	var hostname string
	if rows.Next() {
		if err := rows.Scan(&hostname); err != nil {
			return "", fmt.Errorf("failed to scan operator: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read operator: %w", err)
	}
	tenant := util.NormalizeHostname(hostname)
	if tenant == "" {
		return "", models.ErrTenantRequired
	}
	return tenant, nil
}

// MemoryDirectory is an in-process operator directory for development
// and tests.
type MemoryDirectory struct {
	mu        sync.RWMutex
	operators map[string]string
}

func NewMemoryDirectory(ops ...models.Operator) *MemoryDirectory {
	d := &MemoryDirectory{operators: make(map[string]string)}
	for _, op := range ops {
		d.Set(op)
	}
	return d
}

func (d *MemoryDirectory) Set(op models.Operator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operators[op.Username] = util.NormalizeHostname(op.Hostname)
}

func (d *MemoryDirectory) TenantOf(_ context.Context, username string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant := d.operators[username]
	if tenant == "" {
		return "", models.ErrTenantRequired
	}
	return tenant, nil
}
