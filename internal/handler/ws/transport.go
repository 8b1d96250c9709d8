package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
)

var errConnClosed = errors.New("websocket connection closed")

// conn 包装 gorilla 连接：写操作串行化，关闭幂等。
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

// Send 将 env 写成一个文本帧
func (c *conn) Send(ctx context.Context, env message.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.Validation("envelope", "is not serializable")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errs.Transport("write", errConnClosed)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return errs.Transport("write", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errs.Transport("write", err)
	}
	return nil
}

// ping 使用控制帧，可与 Send 并发调用。
func (c *conn) ping() error {
	if c.closed.Load() {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close 发送正常关闭帧并释放连接
func (c *conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *conn) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}
