package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/models"
	"traffic-prism/internal/registry"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingTransport records every publish and pretends a fixed number of
// subscribers per session.
type recordingTransport struct {
	mu          sync.Mutex
	sent        []models.Command
	subscribers map[string]int
}

func (r *recordingTransport) Publish(sessionID string, cmd models.Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cmd)
	return r.subscribers[sessionID]
}

func (r *recordingTransport) commands() []models.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Command(nil), r.sent...)
}

type memoryAudit struct {
	mu      sync.Mutex
	records []models.EnforcementRecord
	err     error
}

func (m *memoryAudit) Record(_ context.Context, rec models.EnforcementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

type staticLocator map[string]string

func (s staticLocator) SessionHostname(_ context.Context, sessionID string) (string, error) {
	return s[sessionID], nil
}

type fixture struct {
	reg       *registry.Memory
	transport *recordingTransport
	audit     *memoryAudit
	d         *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		reg:       registry.NewMemory(4, 0),
		transport: &recordingTransport{subscribers: map[string]int{"S": 1}},
		audit:     &memoryAudit{},
	}
	opts = append([]Option{WithAudit(f.audit), WithClock(func() time.Time { return t0 })}, opts...)
	f.d = New(f.reg, f.transport, zap.NewNop(), opts...)
	require.NoError(t, f.d.Touch(context.Background(), "S", "shop.example", t0))
	return f
}

var owner = Actor{Operator: "alice", Tenant: "shop.example"}
var stranger = Actor{Operator: "mallory", Tenant: "other.example"}

func TestTerminate_Succeeds(t *testing.T) {
	f := newFixture(t)

	res, err := f.d.Terminate(context.Background(), "S", owner, "https://example.org/bye")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.NotEmpty(t, res.CommandID)

	_, err = f.reg.Get(context.Background(), "S")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	cmds := f.transport.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandSessionTerminated, cmds[0].Kind)
	assert.Equal(t, "https://example.org/bye", cmds[0].RedirectURL)
	assert.Equal(t, TerminateMessage, cmds[0].Message)

	require.Len(t, f.audit.records, 1)
	assert.Equal(t, "alice", f.audit.records[0].Operator)
	assert.Equal(t, TriggerOperator, f.audit.records[0].Trigger)
}

func TestTerminate_OtherTenantIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Terminate(context.Background(), "S", stranger, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	e, err := f.reg.Get(context.Background(), "S")
	require.NoError(t, err, "registry entry must be unchanged")
	assert.Equal(t, registry.StateTracked, e.State)
	assert.Empty(t, f.transport.commands())
	assert.Empty(t, f.audit.records)
}

func TestTerminate_SubstringTenantIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Terminate(context.Background(), "S", Actor{Operator: "eve", Tenant: "shop"}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTerminate_Twice(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Terminate(context.Background(), "S", owner, "")
	require.NoError(t, err)

	_, err = f.d.Terminate(context.Background(), "S", owner, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, f.transport.commands(), 1, "second terminate must not emit")
}

func TestTerminate_DefaultRedirect(t *testing.T) {
	f := newFixture(t, WithDefaultRedirect("https://fallback.example"))

	res, err := f.d.Terminate(context.Background(), "S", owner, "  ")
	require.NoError(t, err)
	assert.Equal(t, "https://fallback.example", res.RedirectURL)
}

func TestTerminate_LateRefreshDoesNotResurrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.d.Terminate(ctx, "S", owner, "")
	require.NoError(t, err)
	require.NoError(t, f.d.Touch(ctx, "S", "shop.example", t0.Add(time.Second)))

	_, err = f.reg.Get(ctx, "S")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.d.SendCaptcha(ctx, "S", owner)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTerminate_ConcurrentCallersEmitOnce(t *testing.T) {
	f := newFixture(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.d.Terminate(context.Background(), "S", owner, ""); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.transport.commands(), 1)
}

func TestSendCaptcha(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.d.SendCaptcha(ctx, "S", owner)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	e, err := f.reg.Get(ctx, "S")
	require.NoError(t, err, "captcha keeps the session registered")
	assert.Equal(t, registry.StateCaptchaPending, e.State)

	cmds := f.transport.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandCaptchaRequired, cmds[0].Kind)
	assert.Equal(t, CaptchaMessage, cmds[0].Message)
	assert.Empty(t, cmds[0].RedirectURL)
}

func TestSendCaptcha_OtherTenantHasNoEffect(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.SendCaptcha(context.Background(), "S", stranger)
	assert.ErrorIs(t, err, ErrUnauthorized)

	e, err := f.reg.Get(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, registry.StateTracked, e.State)
	assert.Empty(t, f.transport.commands())
}

func TestDispatch_NoSubscriberIsSuccessWithZeroDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.d.Touch(ctx, "lonely", "shop.example", t0))

	res, err := f.d.SendCaptcha(ctx, "lonely", owner)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	res, err = f.d.Terminate(ctx, "lonely", owner, "")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
}

func TestDispatch_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.SendCaptcha(context.Background(), "ghost", owner)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDispatch_TenantRequired(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Terminate(context.Background(), "S", Actor{Operator: "bob"}, "")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
	assert.Empty(t, f.transport.commands())
}

func TestDispatch_LocatorFillsMissingHostname(t *testing.T) {
	f := newFixture(t, WithLocator(staticLocator{"anon": "Shop.Example"}))
	ctx := context.Background()
	require.NoError(t, f.d.Touch(ctx, "anon", "", t0))

	_, err := f.d.SendCaptcha(ctx, "anon", owner)
	require.NoError(t, err)
	_, err = f.d.SendCaptcha(ctx, "anon", stranger)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDispatch_AuditFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("elasticsearch unavailable")

	_, err := f.d.Terminate(context.Background(), "S", owner, "")
	assert.NoError(t, err)
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.d.Touch(ctx, "foreign", "other.example", t0))

	entries, err := f.d.ActiveSessions(ctx, "shop.example")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "S", entries[0].SessionID)

	_, err = f.d.ActiveSessions(ctx, "")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

type fakeIndexer struct {
	index, id string
	err       error
	query     map[string]interface{}
	response  string
}

func (i *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	i.index, i.id = index, id
	return i.err
}

func (i *fakeIndexer) Search(_ context.Context, index string, query map[string]interface{}, target interface{}) error {
	i.index, i.query = index, query
	return json.Unmarshal([]byte(i.response), target)
}

func TestAuditSinks(t *testing.T) {
	rec := models.EnforcementRecord{CommandID: "c1", Kind: models.CommandCaptchaRequired, SessionID: "S"}
	producer := &fakeProducer{}
	indexer := &fakeIndexer{err: errors.New("boom")}

	err := MultiAudit{NewKafkaAudit(producer, "audit"), NewElasticsearchAudit(indexer, "enforcement")}.Record(context.Background(), rec)
	assert.Error(t, err)

	assert.Equal(t, "audit", producer.topic)
	assert.Equal(t, []byte("S"), producer.key)
	var decoded models.EnforcementRecord
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, "c1", decoded.CommandID)

	assert.Equal(t, "enforcement", indexer.index)
	assert.Equal(t, "c1", indexer.id)
}

func TestElasticsearchAudit_Recent(t *testing.T) {
	store := &fakeIndexer{response: `{"hits":{"hits":[
		{"_source":{"command_id":"c2","kind":"session-terminated","session_id":"S","hostname":"shop.example"}},
		{"_source":{"command_id":"c1","kind":"captcha-required","session_id":"S","hostname":"shop.example"}}
	]}}`}
	audit := NewElasticsearchAudit(store, "enforcement")

	records, err := audit.Recent(context.Background(), "shop.example", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c2", records[0].CommandID)
	assert.Equal(t, models.CommandSessionTerminated, records[0].Kind)
	assert.Equal(t, 100, store.query["size"])
	assert.Equal(t, "enforcement", store.index)
}
