package session

import (
	"context"
	"sort"
	"sync"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

// Handler 处理会话的一条上行消息
type Handler interface {
	Handle(ctx context.Context, c *Context, env message.Envelope) error
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, c *Context, env message.Envelope) error

// Handle 调用 f
func (f HandlerFunc) Handle(ctx context.Context, c *Context, env message.Envelope) error {
	return f(ctx, c, env)
}

// Router 消息类型到处理器的映射，新增类型只需注册处理器。
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter 创建空路由
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register 为 msgType 绑定 h，覆盖已有处理器
func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// HandleFunc 为 msgType 注册 fn
func (r *Router) HandleFunc(msgType string, fn HandlerFunc) {
	r.Register(msgType, fn)
}

// Types 按字典序列出已注册的消息类型
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch 执行 env.Type 对应的处理器
func (r *Router) Dispatch(ctx context.Context, c *Context, env message.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return errs.Protocol(env.Type, message.ErrUnknownType)
	}
	return h.Handle(ctx, c, env)
}

// Context 处理器可见的会话视图，仅在一次 Dispatch 期间有效。
type Context struct {
	SessionID string
	UserID    string

	session *Session
	manager *Manager
}

// State 返回会话已提交状态的副本
func (c *Context) State() profile.State {
	return c.session.State()
}

// Commit 替换会话状态
func (c *Context) Commit(st profile.State) {
	c.session.commit(st)
}

// Executor 返回会话的工作流执行器
func (c *Context) Executor() workflow.Executor {
	return c.session.executor
}

// Reply 向本会话客户端发送 env
func (c *Context) Reply(ctx context.Context, env message.Envelope) error {
	return c.manager.SendMessage(ctx, c.SessionID, env)
}

// ReplyData 用 data 构造 msgType 信封并发送
func (c *Context) ReplyData(ctx context.Context, msgType string, data any) error {
	env, err := message.New(msgType, data)
	if err != nil {
		return err
	}
	return c.Reply(ctx, env)
}
