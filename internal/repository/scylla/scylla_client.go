package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"traffic-prism/internal/config"
	"traffic-prism/internal/util"
)

// PreparedStatements holds the statements the rule repository runs.
type PreparedStatements struct {
	MaxRuleID       *gocql.Query
	ClaimFirstID    *gocql.Query
	AdvanceID       *gocql.Query
	InsertHead      *gocql.Query
	ReleaseHead     *gocql.Query
	InsertVersion   *gocql.Query
	GetHead         *gocql.Query
	GetVersion      *gocql.Query
	CompareAndSwap  *gocql.Query
	DeleteVersion   *gocql.Query
	DeleteHead      *gocql.Query
	DeleteVersions  *gocql.Query
	HeadsByHostname *gocql.Query
	History         *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 config.GetEnv("SCYLLA_CA_PATH", "/root/certs/ca.pem"),
			CertPath:               config.GetEnv("SCYLLA_CERT_PATH", "/root/certs/server.pem"),
			KeyPath:                config.GetEnv("SCYLLA_KEY_PATH", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// Schema creates the rule ledger tables when they do not exist.
func (s *ScyllaClient) Schema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rule_versions (
            id bigint, version int, hostname text, name text, rule text,
            action text, action_time int, enabled boolean, source text,
            description text, creation_time timestamp, last_edit_time timestamp,
            PRIMARY KEY (id, version)
        ) WITH CLUSTERING ORDER BY (version DESC)`,
		`CREATE TABLE IF NOT EXISTS rule_heads (
            id bigint PRIMARY KEY, hostname text, version int
        )`,
		`CREATE INDEX IF NOT EXISTS rule_heads_hostname ON rule_heads (hostname)`,
		`CREATE TABLE IF NOT EXISTS rule_ids (
            name text PRIMARY KEY, high bigint
        )`,
	}
	for _, stmt := range stmts {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply rule ledger schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// rule_ids keeps the allocation high-water mark; deleting heads never
	// lowers it.
	prepared.MaxRuleID = s.Session.Query(`SELECT high FROM rule_ids WHERE name = 'rules'`)

	prepared.ClaimFirstID = s.Session.Query(`
        INSERT INTO rule_ids (name, high) VALUES ('rules', ?) IF NOT EXISTS`)

	prepared.AdvanceID = s.Session.Query(`
        UPDATE rule_ids SET high = ? WHERE name = 'rules' IF high = ?`)

	prepared.InsertHead = s.Session.Query(`
        INSERT INTO rule_heads (id, hostname, version) VALUES (?, ?, ?) IF NOT EXISTS`)

	prepared.InsertVersion = s.Session.Query(`
        INSERT INTO rule_versions (
            id, version, hostname, name, rule, action, action_time, enabled,
            source, description, creation_time, last_edit_time
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.ReleaseHead = s.Session.Query(`
        DELETE FROM rule_heads WHERE id = ? IF version = ?`)

	prepared.GetHead = s.Session.Query(`
        SELECT hostname, version FROM rule_heads WHERE id = ?`)

	prepared.GetVersion = s.Session.Query(`
        SELECT id, version, hostname, name, rule, action, action_time, enabled,
            source, description, creation_time, last_edit_time
        FROM rule_versions WHERE id = ? AND version = ?`)

	prepared.CompareAndSwap = s.Session.Query(`
        UPDATE rule_heads SET version = ? WHERE id = ? IF version = ?`)

	prepared.DeleteVersion = s.Session.Query(`
        DELETE FROM rule_versions WHERE id = ? AND version = ?`)

	prepared.DeleteHead = s.Session.Query(`
        DELETE FROM rule_heads WHERE id = ? IF EXISTS`)

	prepared.DeleteVersions = s.Session.Query(`
        DELETE FROM rule_versions WHERE id = ?`)

	prepared.HeadsByHostname = s.Session.Query(`
        SELECT id, version FROM rule_heads WHERE hostname = ?`)

	prepared.History = s.Session.Query(`
        SELECT id, version, hostname, name, rule, action, action_time, enabled,
            source, description, creation_time, last_edit_time
        FROM rule_versions WHERE id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Rule ledger prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
