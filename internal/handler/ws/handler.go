// Package ws 画像会话的 WebSocket 传输层：握手、凭证校验、读循环与保活。
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-profile/backend/internal/service/session"
)

const (
	// CloseUnauthorized 凭证校验失败时发送的关闭码
	CloseUnauthorized = 4001

	maxMessageSize = 1 << 20
)

// Sessions 传输层用到的会话管理器接口
type Sessions interface {
	Connect(transport session.Transport, userID string, client session.ClientInfo) (string, error)
	Disconnect(sessionID string)
	ReceiveMessage(ctx context.Context, raw []byte, transport session.Transport) error
	SendMessage(ctx context.Context, sessionID string, env message.Envelope) error
	Get(sessionID string) (*session.Session, bool)
}

// Admitter 逐帧限流检查
type Admitter interface {
	ProcessRequest(identity string) error
}

// Config 描述连接超时与凭证。
type Config struct {
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// APIKeys 为空时接受任意非空凭证。
	APIKeys  []string
	Sections []string
}

// ConnectedData connected 信封的 data
type ConnectedData struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Sections  []string `json:"sections"`
}

// Handler WebSocket 会话处理器
type Handler struct {
	cfg      Config
	sessions Sessions
	limiter  Admitter
	apiKeys  map[string]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler 创建 WebSocket 处理器。limiter 为 nil 时不限流。
func NewHandler(cfg Config, sessions Sessions, limiter Admitter, logger *zap.Logger) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}

	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		apiKeys:  keys,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logging.OrNop(logger).Named("websocket"),
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{userID}", h.ServeHTTP)
}

// ServeHTTP 升级连接并运行会话，直到客户端离开
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "userID is required", http.StatusBadRequest)
		return
	}
	credential := ratelimit.Credential(r)
	identity := ratelimit.ResolveIdentity(r)
	clientIP := ratelimit.ClientIP(r)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	c := newConn(wsConn, h.cfg.WriteTimeout)

	if !h.authorized(credential) {
		h.logger.Info("reject connection: invalid credential", zap.String("user_id", userID), zap.String("client_ip", clientIP))
		_ = c.closeWith(CloseUnauthorized, "unauthorized")
		return
	}

	sessionID, err := h.sessions.Connect(c, userID, session.ClientInfo{IP: clientIP, IdentityKey: identity})
	if err != nil {
		h.logger.Warn("register session failed", zap.String("user_id", userID), zap.Error(err))
		_ = c.closeWith(websocket.CloseTryAgainLater, "session unavailable")
		return
	}
	defer h.sessions.Disconnect(sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID))
	if err := h.greet(ctx, sessionID, userID); err != nil {
		log.Warn("send greeting failed", zap.Error(err))
		return
	}

	wsConn.SetReadLimit(maxMessageSize)
	h.refreshDeadline(wsConn)
	wsConn.SetPongHandler(func(string) error {
		h.refreshDeadline(wsConn)
		return nil
	})

	go h.pingLoop(ctx, c, log)
	h.readLoop(ctx, c, sessionID, identity, log)
}

func (h *Handler) authorized(credential string) bool {
	if credential == "" {
		return false
	}
	if len(h.apiKeys) == 0 {
		return true
	}
	_, ok := h.apiKeys[credential]
	return ok
}

func (h *Handler) greet(ctx context.Context, sessionID, userID string) error {
	connected, err := message.New(message.TypeConnected, ConnectedData{SessionID: sessionID, UserID: userID, Sections: h.cfg.Sections})
	if err != nil {
		return err
	}
	if err := h.sessions.SendMessage(ctx, sessionID, connected); err != nil {
		return err
	}

	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return errs.Transport("greet", errConnClosed)
	}
	state, err := message.New(message.TypeState, s.State())
	if err != nil {
		return err
	}
	return h.sessions.SendMessage(ctx, sessionID, state)
}

// refreshDeadline 读超时 = 最近活动 + ReadTimeout + PingTimeout。
func (h *Handler) refreshDeadline(wsConn *websocket.Conn) {
	_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout + h.cfg.PingTimeout))
}

func (h *Handler) readLoop(ctx context.Context, c *conn, sessionID, identity string, log *zap.Logger) {
	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Info("connection lost", zap.Error(err))
			default:
				log.Debug("connection closed", zap.Error(err))
			}
			return
		}
		if !h.handleFrame(ctx, c, sessionID, identity, kind, raw, log) {
			return
		}
		// 邮箱满时 handleFrame 会阻塞，阻塞期间读不到 pong，因此在其返回后再计算读超时
		h.refreshDeadline(c.ws)
	}
}

// handleFrame returns false when the session must end.
func (h *Handler) handleFrame(ctx context.Context, c *conn, sessionID, identity string, kind int, raw []byte, log *zap.Logger) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("read loop panic", zap.Any("panic", r), zap.Stack("stack"))
			keep = h.reply(ctx, sessionID, message.NewError(fmt.Errorf("internal error")), log)
		}
	}()

	if kind != websocket.TextMessage {
		return h.reply(ctx, sessionID, message.NewError(errs.Validation("frame", "must be a text frame")), log)
	}

	if h.limiter != nil {
		if err := h.limiter.ProcessRequest(identity); err != nil {
			log.Debug("frame rate limited", zap.String("identity", identity))
			return h.reply(ctx, sessionID, message.NewError(err), log)
		}
	}

	if err := h.sessions.ReceiveMessage(ctx, raw, c); err != nil {
		if errors.Is(err, session.ErrNoSession) || errs.IsFatal(err) || ctx.Err() != nil {
			log.Info("stop reading", zap.Error(err))
			return false
		}
		log.Warn("receive message failed", zap.Error(err))
	}
	return true
}

func (h *Handler) reply(ctx context.Context, sessionID string, env message.Envelope, log *zap.Logger) bool {
	if err := h.sessions.SendMessage(ctx, sessionID, env); err != nil {
		log.Warn("send error envelope failed", zap.Error(err))
		return !errs.IsFatal(err)
	}
	return true
}

// pingLoop 每 ReadTimeout 发送一次 ping。
func (h *Handler) pingLoop(ctx context.Context, c *conn, log *zap.Logger) {
	ticker := time.NewTicker(h.cfg.ReadTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				log.Debug("ping failed, closing", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}
