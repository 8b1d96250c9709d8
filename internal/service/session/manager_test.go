package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []message.Envelope
	sendErr error
	closed  int
	notify  chan message.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notify: make(chan message.Envelope, 128)}
}

func (f *fakeTransport) Send(_ context.Context, env message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	select {
	case f.notify <- env:
	default:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Sent() []message.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Envelope(nil), f.sent...)
}

func (f *fakeTransport) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) next(t *testing.T) message.Envelope {
	t.Helper()
	select {
	case env := <-f.notify:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return message.Envelope{}
	}
}

type nopExecutor struct{}

func (nopExecutor) Run(_ context.Context, st profile.State) (profile.State, error) { return st, nil }
func (nopExecutor) Questions(_ context.Context, st profile.State, _ message.AskQuestion) (profile.State, error) {
	return st, nil
}
func (nopExecutor) AnalyzeDocument(_ context.Context, st profile.State, _ message.AnalyzeDocument) (profile.State, workflow.DocumentAnalysis, error) {
	return st, workflow.DocumentAnalysis{}, nil
}
func (nopExecutor) Recommend(context.Context, profile.State, int) ([]workflow.Recommendation, error) {
	return nil, nil
}

type fakeFactory struct{ err error }

func (f fakeFactory) NewExecutor(string) (workflow.Executor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nopExecutor{}, nil
}

func (fakeFactory) InitialState(userID string) profile.State {
	return profile.NewState(userID, nil, time.Now())
}

func newTestManager(t *testing.T, router *Router) *Manager {
	t.Helper()
	m := NewManager(Config{MailboxSize: 4}, fakeFactory{}, router, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func echoRouter() *Router {
	r := NewRouter()
	r.HandleFunc("echo", func(ctx context.Context, c *Context, env message.Envelope) error {
		return c.Reply(ctx, message.Envelope{Type: "echo", Data: env.Data})
	})
	return r
}

func TestConnectDisconnectCounts(t *testing.T) {
	m := newTestManager(t, nil)

	transports := make([]*fakeTransport, 3)
	ids := make([]string, 3)
	for i := range transports {
		transports[i] = newFakeTransport()
		id, err := m.Connect(transports[i], fmt.Sprintf("user-%d", i), ClientInfo{IP: "127.0.0.1"})
		require.NoError(t, err)
		ids[i] = id
	}
	assert.Equal(t, 3, m.Count())
	assert.Len(t, m.Sessions(), 3)
	assert.NotEqual(t, ids[0], ids[1])

	m.Disconnect(ids[0])
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 1, transports[0].Closed())

	m.Disconnect(ids[0])
	m.Disconnect("missing")
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 1, transports[0].Closed())

	m.DisconnectTransport(transports[1])
	assert.Equal(t, 1, m.Count())
}

func TestConnectValidation(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Connect(nil, "u", ClientInfo{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = m.Connect(newFakeTransport(), "", ClientInfo{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	broken := NewManager(Config{}, fakeFactory{err: errors.New("no model")}, nil, nil)
	_, err = broken.Connect(newFakeTransport(), "u", ClientInfo{})
	assert.Error(t, err)
	assert.Zero(t, broken.Count())
}

// sliceTransport 是值类型且不可比较，不能作为注册表的键。
type sliceTransport []message.Envelope

func (sliceTransport) Send(context.Context, message.Envelope) error { return nil }
func (sliceTransport) Close() error                                 { return nil }

func TestConnectRejectsNonComparableTransport(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Connect(sliceTransport{}, "u", ClientInfo{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Zero(t, m.Count())

	// 注册表没有被锁住
	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(newFakeTransport(), "u", ClientInfo{})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect blocked after rejected transport")
	}
	assert.Equal(t, 1, m.Count())
}

func TestConnectAfterShutdown(t *testing.T) {
	m := newTestManager(t, nil)
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.Count())
	assert.Equal(t, 1, tr.Closed())

	_, err = m.Connect(newFakeTransport(), "u", ClientInfo{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestSendMessageValidatesOutbound(t *testing.T) {
	m := newTestManager(t, nil)
	tr := newFakeTransport()
	id, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	err = m.SendMessage(context.Background(), id, message.Envelope{Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Empty(t, tr.Sent())

	require.NoError(t, m.SendMessage(context.Background(), "missing", message.Envelope{Type: "state"}))

	require.NoError(t, m.SendMessage(context.Background(), id, message.Envelope{Type: "state"}))
	assert.Len(t, tr.Sent(), 1)

	tr.sendErr = errors.New("broken pipe")
	err = m.SendMessage(context.Background(), id, message.Envelope{Type: "state"})
	assert.True(t, errs.IsFatal(err))
}

func TestBroadcastExcludesAndIsolatesFailures(t *testing.T) {
	m := newTestManager(t, nil)

	good := newFakeTransport()
	excluded := newFakeTransport()
	failing := newFakeTransport()
	failing.sendErr = errors.New("write: connection reset")

	_, err := m.Connect(good, "a", ClientInfo{})
	require.NoError(t, err)
	excludedID, err := m.Connect(excluded, "b", ClientInfo{})
	require.NoError(t, err)
	_, err = m.Connect(failing, "c", ClientInfo{})
	require.NoError(t, err)

	env, err := message.New(message.TypeAnnouncement, map[string]string{"text": "maintenance at noon"})
	require.NoError(t, err)

	delivered, err := m.Broadcast(context.Background(), env, excludedID)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Len(t, good.Sent(), 1)
	assert.Empty(t, excluded.Sent())
	assert.Equal(t, 3, m.Count())
}

func TestBroadcastRejectsInvalidEnvelope(t *testing.T) {
	m := newTestManager(t, nil)
	tr := newFakeTransport()
	_, err := m.Connect(tr, "a", ClientInfo{})
	require.NoError(t, err)

	delivered, err := m.Broadcast(context.Background(), message.Envelope{})
	require.Error(t, err)
	assert.Zero(t, delivered)
	assert.Empty(t, tr.Sent())
}

func TestReceiveMessageDropsMalformedAndContinues(t *testing.T) {
	m := newTestManager(t, echoRouter())
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{not json`), tr))
	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"echo","data":{"n":1}}`), tr))

	env := tr.next(t)
	assert.Equal(t, "echo", env.Type)
	assert.JSONEq(t, `{"n":1}`, string(env.Data))
	assert.Len(t, tr.Sent(), 1)
}

func TestReceiveMessageAnswersInvalidEnvelope(t *testing.T) {
	m := newTestManager(t, echoRouter())
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":42}`), tr))

	env := tr.next(t)
	assert.Equal(t, message.TypeError, env.Type)
	var data message.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, errs.KindValidation, data.Kind)
}

func TestReceiveMessageUnknownTypeReturnsError(t *testing.T) {
	m := newTestManager(t, echoRouter())
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"dance"}`), tr))

	env := tr.next(t)
	assert.Equal(t, message.TypeError, env.Type)
	assert.Contains(t, env.Error, "unknown message type")
	var data message.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, errs.KindProtocol, data.Kind)
	assert.Equal(t, "dance", data.MessageType)
	assert.Equal(t, 1, m.Count())
}

func TestReceiveMessageUnknownTransport(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.ReceiveMessage(context.Background(), []byte(`{"type":"echo"}`), newFakeTransport())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionMessagesAreSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var order []int

	r := NewRouter()
	r.HandleFunc("work", func(ctx context.Context, c *Context, env message.Envelope) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)

		var seq int
		_ = json.Unmarshal(env.Data, &seq)
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()

		st := c.State()
		st.InteractionCount++
		c.Commit(st)
		return c.Reply(ctx, message.Envelope{Type: "done"})
	})

	m := newTestManager(t, r)
	tr := newFakeTransport()
	id, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, m.ReceiveMessage(context.Background(), []byte(fmt.Sprintf(`{"type":"work","data":%d}`, i)), tr))
	}
	for i := 0; i < total; i++ {
		tr.next(t)
	}

	assert.Equal(t, int32(1), maxActive.Load())
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		assert.Equal(t, i, seq)
	}

	s, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, total, s.State().InteractionCount)
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	r := NewRouter()
	r.HandleFunc("block", func(ctx context.Context, c *Context, env message.Envelope) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	r.HandleFunc("echo", func(ctx context.Context, c *Context, env message.Envelope) error {
		return c.Reply(ctx, message.Envelope{Type: "echo"})
	})

	m := newTestManager(t, r)
	slow, fast := newFakeTransport(), newFakeTransport()
	_, err := m.Connect(slow, "slow", ClientInfo{})
	require.NoError(t, err)
	_, err = m.Connect(fast, "fast", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"block"}`), slow))
	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"echo"}`), fast))
	assert.Equal(t, "echo", fast.next(t).Type)
	close(release)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r := echoRouter()
	r.HandleFunc("boom", func(context.Context, *Context, message.Envelope) error {
		panic("nil map")
	})

	m := newTestManager(t, r)
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"boom"}`), tr))
	env := tr.next(t)
	assert.Equal(t, message.TypeError, env.Type)
	var data message.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, errs.KindInternal, data.Kind)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"echo"}`), tr))
	assert.Equal(t, "echo", tr.next(t).Type)
}

func TestFatalHandlerErrorClosesSession(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("hangup", func(context.Context, *Context, message.Envelope) error {
		return errs.Transport("write", errors.New("broken pipe"))
	})

	m := newTestManager(t, r)
	tr := newFakeTransport()
	_, err := m.Connect(tr, "u", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.ReceiveMessage(context.Background(), []byte(`{"type":"hangup"}`), tr))
	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.Closed())
}

func TestRouterTypes(t *testing.T) {
	r := echoRouter()
	r.HandleFunc("alpha", func(context.Context, *Context, message.Envelope) error { return nil })
	assert.Equal(t, []string{"alpha", "echo"}, r.Types())
}
