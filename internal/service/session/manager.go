// Package session 管理在线会话：会话注册表、每个会话的消息 worker 以及下行投递。
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

const (
	defaultMailboxSize    = 32
	defaultBroadcastLimit = 16
)

var (
	ErrManagerClosed = errors.New("session manager is shut down")
	ErrNoSession     = errors.New("no session for transport")
)

// Transport 客户端连接的发送端。实现必须可比较（通常是指针），并且 Send 可并发调用。
type Transport interface {
	Send(ctx context.Context, env message.Envelope) error
	Close() error
}

// ClientInfo 会话对端信息
type ClientInfo struct {
	IP          string `json:"ip"`
	IdentityKey string `json:"-"`
}

// Session 一个在线连接及其工作流
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	Client      ClientInfo

	transport Transport
	executor  workflow.Executor
	mailbox   chan message.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu           sync.Mutex
	state        profile.State
	lastActivity time.Time
}

// State 返回已提交状态的副本
func (s *Session) State() profile.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// LastActivity 返回客户端最近一次发送帧的时间
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) commit(st profile.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// Info 会话的快照视图
type Info struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	ConnectedAt      time.Time      `json:"connectedAt"`
	LastActivity     time.Time      `json:"lastActivity"`
	Client           ClientInfo     `json:"client"`
	Status           profile.Status `json:"status"`
	CurrentSection   string         `json:"currentSection"`
	InteractionCount int            `json:"interactionCount"`
}

// Config 管理器配置
type Config struct {
	MailboxSize    int
	BroadcastLimit int
}

// Manager 会话注册表，所有方法并发安全
type Manager struct {
	cfg     Config
	factory workflow.Factory
	router  *Router
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	sessions    map[string]*Session
	byTransport map[Transport]*Session
	closed      bool

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager 创建管理器：会话由 factory 构建，上行消息经 router 分发。
func NewManager(cfg Config, factory workflow.Factory, router *Router, logger *zap.Logger) *Manager {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.BroadcastLimit <= 0 {
		cfg.BroadcastLimit = defaultBroadcastLimit
	}
	if router == nil {
		router = NewRouter()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		factory:     factory,
		router:      router,
		logger:      logging.OrNop(logger).Named("session"),
		now:         time.Now,
		sessions:    make(map[string]*Session),
		byTransport: make(map[Transport]*Session),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect 为 userID 注册新会话并启动其 worker
func (m *Manager) Connect(transport Transport, userID string, client ClientInfo) (string, error) {
	if transport == nil {
		return "", errs.Validation("transport", "is required")
	}
	if userID == "" {
		return "", errs.Validation("user_id", "is required")
	}
	// transport 作为 map 键，不可比较的类型会在加锁后 panic
	if !reflect.TypeOf(transport).Comparable() {
		return "", errs.Validation("transport", "must be comparable")
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrManagerClosed
	}

	executor, err := m.factory.NewExecutor(userID)
	if err != nil {
		return "", fmt.Errorf("failed to create executor: %w", err)
	}

	now := m.now().UTC()
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		ConnectedAt:  now,
		Client:       client,
		transport:    transport,
		executor:     executor,
		mailbox:      make(chan message.Envelope, m.cfg.MailboxSize),
		ctx:          ctx,
		cancel:       cancel,
		state:        m.factory.InitialState(userID),
		lastActivity: now,
	}

	if err := m.register(s); err != nil {
		cancel()
		return "", err
	}

	go m.runWorker(s)

	m.logger.Info("session connected",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("client_ip", client.IP),
	)
	return s.ID, nil
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.sessions[s.ID] = s
	m.byTransport[s.transport] = s
	m.workers.Add(1)
	return nil
}

// Disconnect 移除会话、停止 worker 并关闭连接。未知或已移除的会话直接忽略。
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.byTransport[s.transport] == s {
			delete(m.byTransport, s.transport)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.close(s)
	m.logger.Info("session disconnected",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Duration("duration", m.now().Sub(s.ConnectedAt)),
	)
}

// DisconnectTransport 移除 transport 所属的会话（如果存在）
func (m *Manager) DisconnectTransport(transport Transport) {
	if s := m.lookupTransport(transport); s != nil {
		m.Disconnect(s.ID)
	}
}

func (m *Manager) close(s *Session) {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.transport.Close(); err != nil {
			m.logger.Debug("close transport failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	})
}

// SendMessage 校验 env 后投递给单个会话，未知会话不做任何事。
func (m *Manager) SendMessage(ctx context.Context, sessionID string, env message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	s := m.lookup(sessionID)
	if s == nil {
		return nil
	}
	return m.deliver(ctx, s, env)
}

// Broadcast 向 exclude 之外的所有会话投递 env，返回成功投递数。单个会话失败不影响其他会话。
func (m *Manager) Broadcast(ctx context.Context, env message.Envelope, exclude ...string) (int, error) {
	if err := env.Validate(); err != nil {
		return 0, err
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if _, excluded := skip[id]; !excluded {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.cfg.BroadcastLimit)
	for _, s := range targets {
		g.Go(func() error {
			if ctx.Err() != nil || m.lookup(s.ID) != s {
				return nil
			}
			if err := m.deliver(ctx, s, env); err != nil {
				failed.Add(1)
				m.logger.Warn("broadcast delivery failed", zap.String("session_id", s.ID), zap.Error(err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		m.logger.Info("broadcast finished with failures",
			zap.String("type", env.Type),
			zap.Int64("delivered", delivered.Load()),
			zap.Int64("failed", n),
		)
	}
	return int(delivered.Load()), ctx.Err()
}

// ReceiveMessage 解析上行帧并放入所属会话的邮箱。无法解析的帧被丢弃，
// 非法信封回复 error 信封。邮箱满时阻塞。
func (m *Manager) ReceiveMessage(ctx context.Context, raw []byte, transport Transport) error {
	s := m.lookupTransport(transport)
	if s == nil {
		return ErrNoSession
	}
	s.touch(m.now())

	env, err := message.Parse(raw)
	if errors.Is(err, message.ErrMalformed) {
		m.logger.Warn("drop malformed message", zap.String("session_id", s.ID), zap.Int("bytes", len(raw)))
		return nil
	}
	if err != nil {
		m.logger.Info("reject invalid envelope", zap.String("session_id", s.ID), zap.Error(err))
		return m.deliver(ctx, s, message.NewError(err))
	}

	select {
	case s.mailbox <- env:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新会话，断开所有在线会话，并等待 worker 退出或 ctx 到期。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager stopped", zap.Int("sessions", len(ids)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count 返回在线会话数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions 返回在线会话快照
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, Info{
			ID:               s.ID,
			UserID:           s.UserID,
			ConnectedAt:      s.ConnectedAt,
			LastActivity:     s.lastActivity,
			Client:           s.Client,
			Status:           s.state.Status,
			CurrentSection:   s.state.CurrentSection,
			InteractionCount: s.state.InteractionCount,
		})
		s.mu.Unlock()
	}
	return out
}

// Get 按 id 查找在线会话
func (m *Manager) Get(sessionID string) (*Session, bool) {
	s := m.lookup(sessionID)
	return s, s != nil
}

func (m *Manager) lookup(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) lookupTransport(transport Transport) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTransport[transport]
}

func (m *Manager) deliver(ctx context.Context, s *Session, env message.Envelope) error {
	if err := s.transport.Send(ctx, env); err != nil {
		var transportErr *errs.TransportError
		if errors.As(err, &transportErr) {
			return err
		}
		return errs.Transport("send", err)
	}
	return nil
}

// runWorker drains the session's mailbox one message at a time until the
// session closes.
func (m *Manager) runWorker(s *Session) {
	defer m.workers.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.mailbox:
			m.process(s, env)
		}
	}
}

func (m *Manager) process(s *Session, env message.Envelope) {
	log := m.logger.With(zap.String("session_id", s.ID), zap.String("type", env.Type))
	started := m.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", zap.Any("panic", r), zap.Stack("stack"))
			m.reportError(s, log, fmt.Errorf("internal error while handling %s", env.Type))
		}
	}()

	c := &Context{SessionID: s.ID, UserID: s.UserID, session: s, manager: m}
	err := m.router.Dispatch(s.ctx, c, env)
	if err == nil {
		log.Debug("message handled", zap.Duration("elapsed", m.now().Sub(started)))
		return
	}
	m.reportError(s, log, err)
}

func (m *Manager) reportError(s *Session, log *zap.Logger, err error) {
	if s.ctx.Err() != nil {
		return
	}
	if errs.IsFatal(err) {
		log.Warn("transport failed, closing session", zap.Error(err))
		m.Disconnect(s.ID)
		return
	}

	log.Info("message failed", zap.String("kind", string(errs.KindOf(err))), zap.Error(err))
	if sendErr := m.deliver(s.ctx, s, message.NewError(err)); sendErr != nil {
		log.Warn("send error envelope failed, closing session", zap.Error(sendErr))
		m.Disconnect(s.ID)
	}
}
