package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/models"
)

func testHub(opts ...HubOption) (*Hub, *httptest.Server) {
	h := NewHub(zap.NewNop(), opts...)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_PublishReachesOnlyTheSession(t *testing.T) {
	h, srv := testHub()
	defer srv.Close()
	defer h.Stop()

	target := dial(t, srv, "s1")
	other := dial(t, srv, "s2")
	require.Eventually(t, func() bool { return h.Subscribers("s1") == 1 && h.Subscribers("s2") == 1 },
		time.Second, 10*time.Millisecond)

	delivered := h.Publish("s1", models.Command{
		Kind:        models.CommandSessionTerminated,
		SessionID:   "s1",
		Message:     "bye",
		RedirectURL: "https://example.org",
	})
	assert.Equal(t, 1, delivered)

	_ = target.SetReadDeadline(time.Now().Add(time.Second))
	var got models.Command
	require.NoError(t, target.ReadJSON(&got))
	assert.Equal(t, models.CommandSessionTerminated, got.Kind)
	assert.Equal(t, "https://example.org", got.RedirectURL)

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other sessions must not receive the command")
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	assert.Zero(t, h.Publish("nobody", models.Command{Kind: models.CommandCaptchaRequired}))
}

func TestHub_MultipleTabsShareTheSession(t *testing.T) {
	h, srv := testHub()
	defer srv.Close()
	defer h.Stop()

	dial(t, srv, "s1")
	dial(t, srv, "s1")
	require.Eventually(t, func() bool { return h.Subscribers("s1") == 2 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, h.Publish("s1", models.Command{Kind: models.CommandCaptchaRequired}))
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	h := NewHub(zap.NewNop(), WithSendBuffer(1))
	c := &Client{hub: h, sessionID: "s1", send: make(chan []byte, 1)}
	require.True(t, h.register(c))

	assert.Equal(t, 1, h.Publish("s1", models.Command{Kind: models.CommandCaptchaRequired}))
	assert.Equal(t, 0, h.Publish("s1", models.Command{Kind: models.CommandCaptchaRequired}))

	h.unregister(c)
	assert.Zero(t, h.Subscribers("s1"))
}

func TestHub_DisconnectLeavesChannel(t *testing.T) {
	h, srv := testHub()
	defer srv.Close()
	defer h.Stop()

	conn := dial(t, srv, "s1")
	require.Eventually(t, func() bool { return h.Subscribers("s1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Subscribers("s1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_RequiresSessionID(t *testing.T) {
	h := NewHub(zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHub_MaxClients(t *testing.T) {
	h := NewHub(zap.NewNop(), WithMaxClients(1))
	require.True(t, h.register(&Client{hub: h, sessionID: "a", send: make(chan []byte, 1)}))
	assert.False(t, h.register(&Client{hub: h, sessionID: "b", send: make(chan []byte, 1)}))
}

func TestHub_StopRejectsNewClients(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Stop()

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws?session_id=s1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWithAllowedOrigins(t *testing.T) {
	h := NewHub(zap.NewNop(), WithAllowedOrigins([]string{"https://shop.example"}))

	ok := httptest.NewRequest(http.MethodGet, "/ws", nil)
	ok.Header.Set("Origin", "https://shop.example")
	bad := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bad.Header.Set("Origin", "https://evil.example")

	assert.True(t, h.upgrader.CheckOrigin(ok))
	assert.False(t, h.upgrader.CheckOrigin(bad))
}
