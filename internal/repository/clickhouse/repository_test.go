package clickhouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-prism/internal/models"
)

type batch struct {
	query string
	rows  [][]interface{}
}

type fakeDB struct {
	batches  []batch
	execs    []string
	batchErr map[string]error
}

func (f *fakeDB) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeDB) QueryRows(context.Context, string, ...interface{}) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) BatchInsert(_ context.Context, query string, rows [][]interface{}) error {
	f.batches = append(f.batches, batch{query, rows})
	for prefix, err := range f.batchErr {
		if len(query) >= len(prefix) && query[:len(prefix)] == prefix {
			return err
		}
	}
	return nil
}

func TestAppend_WritesEventsAndDistinctRegions(t *testing.T) {
	db := &fakeDB{}
	repo := &EventRepository{db: db}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	err := repo.Append(context.Background(), []models.Event{
		{Timestamp: at, URL: "/a", IPAddress: "203.0.113.1", Hostname: "shop.example", SessionID: "S", Country: "DE"},
		{Timestamp: at, URL: "/b", IPAddress: "203.0.113.1", Hostname: "shop.example", SessionID: "S", Country: "DE"},
		{Timestamp: at, URL: "/c", IPAddress: "198.51.100.7", Hostname: "shop.example", SessionID: "S"},
	})
	require.NoError(t, err)

	require.Len(t, db.batches, 2)
	assert.Len(t, db.batches[0].rows, 3)
	assert.Equal(t, at.UTC(), db.batches[0].rows[0][0])
	assert.Equal(t, [][]interface{}{{"203.0.113.1", "DE", "", ""}}, db.batches[1].rows)
}

func TestAppend_RegionFailureIsNotFatal(t *testing.T) {
	db := &fakeDB{batchErr: map[string]error{"INSERT INTO region_details": errors.New("boom")}}
	repo := &EventRepository{db: db}

	err := repo.Append(context.Background(), []models.Event{
		{URL: "/a", IPAddress: "203.0.113.1", Hostname: "h", SessionID: "S", City: "Berlin"},
	})
	assert.NoError(t, err)
}

func TestAppend_EventFailure(t *testing.T) {
	db := &fakeDB{batchErr: map[string]error{"INSERT INTO tracking_events": errors.New("boom")}}
	repo := &EventRepository{db: db}

	err := repo.Append(context.Background(), []models.Event{{URL: "/a", Hostname: "h", SessionID: "S"}})
	assert.Error(t, err)
	assert.Len(t, db.batches, 1)
}

func TestAppend_Empty(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, (&EventRepository{db: db}).Append(context.Background(), nil))
	assert.Empty(t, db.batches)
}

func TestSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, (&EventRepository{db: db}).Schema(context.Background()))
	require.NoError(t, (&OperatorRepository{db: db}).Schema(context.Background()))
	assert.Len(t, db.execs, 3)
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(models.Operator{Username: "alice", Hostname: "HTTPS://Shop.Example/"})
	ctx := context.Background()

	tenant, err := d.TenantOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "shop.example", tenant)

	_, err = d.TenantOf(ctx, "bob")
	assert.ErrorIs(t, err, models.ErrTenantRequired)

	d.Set(models.Operator{Username: "carol"})
	_, err = d.TenantOf(ctx, "carol")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}

func TestOperatorRepository_EmptyUsername(t *testing.T) {
	_, err := (&OperatorRepository{db: &fakeDB{}}).TenantOf(context.Background(), " ")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}
