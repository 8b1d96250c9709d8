package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-profile/backend/internal/config"
	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/service/ai"
	"github.com/zhouzirui/z-profile/backend/internal/service/protocol"
	"github.com/zhouzirui/z-profile/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-profile/backend/internal/service/session"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

type testServer struct {
	url     string
	manager *session.Manager
}

func newTestServer(t *testing.T, cfg Config, limiter Admitter) *testServer {
	t.Helper()
	return newWrappedTestServer(t, cfg, limiter, nil)
}

// newWrappedTestServer 允许用 wrap 包装管理器，模拟慢速的会话层。
func newWrappedTestServer(t *testing.T, cfg Config, limiter Admitter, wrap func(*session.Manager) Sessions) *testServer {
	t.Helper()
	ctx := context.Background()
	catalog := profile.CatalogOf(profile.DefaultSections...)

	svc, err := ai.NewService(ctx, nil, nil, ai.Config{Catalog: catalog}, nil)
	require.NoError(t, err)
	engine, err := workflow.NewEngine(ctx, workflow.Config{Catalog: catalog}, svc, svc, svc, nil, nil)
	require.NoError(t, err)

	router := session.NewRouter()
	protocol.RegisterHandlers(router, workflow.NewReducer(catalog), nil)
	manager := session.NewManager(session.Config{}, engine, router, nil)

	cfg.Sections = catalog.Names()
	var sessions Sessions = manager
	if wrap != nil {
		sessions = wrap(manager)
	}
	handler := NewHandler(cfg, sessions, limiter, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		srv.Close()
	})

	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), manager: manager}
}

func (s *testServer) dial(t *testing.T, path, apiKey string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if apiKey != "" {
		header.Set(ratelimit.APIKeyHeader, apiKey)
	}
	c, resp, err := websocket.DefaultDialer.Dial(s.url+path, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) message.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := message.Parse(raw)
	require.NoError(t, err)
	return env
}

func readGreeting(t *testing.T, c *websocket.Conn) ConnectedData {
	t.Helper()
	env := readEnvelope(t, c)
	require.Equal(t, message.TypeConnected, env.Type)
	var data ConnectedData
	require.NoError(t, json.Unmarshal(env.Data, &data))

	state := readEnvelope(t, c)
	require.Equal(t, message.TypeState, state.Type)
	return data
}

func errorKind(t *testing.T, env message.Envelope) errs.Kind {
	t.Helper()
	require.Equal(t, message.TypeError, env.Type)
	var data message.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Kind
}

func TestRejectsInvalidCredential(t *testing.T) {
	srv := newTestServer(t, Config{APIKeys: []string{"secret"}}, nil)

	c := srv.dial(t, "/ws/student-1", "wrong")
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
	assert.Zero(t, srv.manager.Count())
}

func TestRejectsMissingCredential(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	c := srv.dial(t, "/ws/student-1", "")
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseUnauthorized))
}

func TestSessionRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{APIKeys: []string{"secret"}}, nil)

	c := srv.dial(t, "/ws/student-1?api_key=secret", "")
	greeting := readGreeting(t, c)
	assert.NotEmpty(t, greeting.SessionID)
	assert.Equal(t, "student-1", greeting.UserID)
	assert.Equal(t, profile.DefaultSections, greeting.Sections)
	assert.Equal(t, 1, srv.manager.Count())

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"switch_section","data":{"section":"personal"}}`)))
	env := readEnvelope(t, c)
	require.Equal(t, message.TypeState, env.Type)
	var st profile.State
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "personal", st.CurrentSection)
	assert.Equal(t, 1, st.InteractionCount)
}

func TestMalformedFrameDoesNotBreakLoop(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"switch_section","data":{"section":"essays"}}`)))

	env := readEnvelope(t, c)
	assert.Equal(t, message.TypeState, env.Type)
}

func TestBinaryFrameIsRejected(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	assert.Equal(t, errs.KindValidation, errorKind(t, readEnvelope(t, c)))
	assert.Equal(t, 1, srv.manager.Count())
}

func TestFramesAreRateLimited(t *testing.T) {
	limiter := ratelimit.New(config.RateLimitConfig{Rate: 1, Per: time.Minute, Burst: 2, IdleTTL: time.Minute}, nil)
	srv := newTestServer(t, Config{}, limiter)
	c := srv.dial(t, "/ws/student-1", "shared-key")
	readGreeting(t, c)

	frame := []byte(`{"type":"switch_section","data":{"section":"academic"}}`)
	for i := 0; i < 2; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
		assert.Equal(t, message.TypeState, readEnvelope(t, c).Type)
	}

	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
	env := readEnvelope(t, c)
	assert.Equal(t, errs.KindRateLimit, errorKind(t, env))
	assert.Contains(t, env.Error, "Rate limit exceeded")

	var data message.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Positive(t, data.RetryAfterMS)
	assert.Equal(t, 1, srv.manager.Count())
}

func TestClientCloseDisconnects(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return srv.manager.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSilentClientTimesOut(t *testing.T) {
	srv := newTestServer(t, Config{ReadTimeout: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond}, nil)
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	// 客户端不再读取，因此不会回复 pong。
	require.Eventually(t, func() bool { return srv.manager.Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestResponsiveClientSurvivesKeepalive(t *testing.T) {
	srv := newTestServer(t, Config{ReadTimeout: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond}, nil)
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	// 持续读取，gorilla 默认的 ping 处理器会自动回复 pong。
	require.NoError(t, c.SetReadDeadline(time.Time{}))
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, srv.manager.Count())
}

// slowSessions 让第一次 ReceiveMessage 阻塞 delay，模拟邮箱已满。
type slowSessions struct {
	*session.Manager
	delay time.Duration
	once  sync.Once
}

func (s *slowSessions) ReceiveMessage(ctx context.Context, raw []byte, transport session.Transport) error {
	s.once.Do(func() { time.Sleep(s.delay) })
	return s.Manager.ReceiveMessage(ctx, raw, transport)
}

func TestBlockedEnqueueDoesNotExpireReadDeadline(t *testing.T) {
	cfg := Config{ReadTimeout: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond}
	srv := newWrappedTestServer(t, cfg, nil, func(m *session.Manager) Sessions {
		return &slowSessions{Manager: m, delay: 300 * time.Millisecond}
	})
	c := srv.dial(t, "/ws/student-1", "any-key")
	readGreeting(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"switch_section","data":{"section":"personal"}}`)))
	assert.Equal(t, message.TypeState, readEnvelope(t, c).Type)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"switch_section","data":{"section":"essays"}}`)))
	env := readEnvelope(t, c)
	require.Equal(t, message.TypeState, env.Type)
	var st profile.State
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "essays", st.CurrentSection)
	assert.Equal(t, 1, srv.manager.Count())
}

func TestAuthorized(t *testing.T) {
	open := NewHandler(Config{}, nil, nil, nil)
	assert.True(t, open.authorized("anything"))
	assert.False(t, open.authorized(""))

	closed := NewHandler(Config{APIKeys: []string{"k1", "k2"}}, nil, nil, nil)
	assert.True(t, closed.authorized("k2"))
	assert.False(t, closed.authorized("k3"))
}
