// Package message 定义会话连接上的消息信封以及各消息类型的载荷。
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
)

// ErrMalformed 原始帧不是合法 JSON 时由 Parse 返回，这类帧直接丢弃不回复。
var ErrMalformed = errors.New("malformed message")

// Envelope 上下行通用的消息单元
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Validate 校验信封：type 必须是非空字符串，data 存在时必须是合法 JSON。
func (e Envelope) Validate() error {
	if e.Type == "" {
		return errs.Validation("type", "is required")
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return errs.Validation("data", "is not valid JSON")
	}
	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
			return errs.Validation("timestamp", "is not an ISO-8601 timestamp")
		}
	}
	return nil
}

// Parse 解析上行帧，不做类型转换：缺失或非字符串的 type 视为校验失败。
func Parse(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return Envelope{}, ErrMalformed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Envelope{}, errs.Validation("", "envelope must be a JSON object")
	}

	var env Envelope
	typeRaw, ok := fields["type"]
	if !ok {
		return Envelope{}, errs.Validation("type", "is required")
	}
	if err := decodeString(typeRaw, &env.Type); err != nil {
		return Envelope{}, errs.Validation("type", "must be a string")
	}
	if env.Type == "" {
		return Envelope{}, errs.Validation("type", "must not be empty")
	}

	if v, ok := fields["error"]; ok && !isNull(v) {
		if err := decodeString(v, &env.Error); err != nil {
			return Envelope{}, errs.Validation("error", "must be a string")
		}
	}
	if v, ok := fields["timestamp"]; ok && !isNull(v) {
		if err := decodeString(v, &env.Timestamp); err != nil {
			return Envelope{}, errs.Validation("timestamp", "must be a string")
		}
	}
	if v, ok := fields["data"]; ok && !isNull(v) {
		env.Data = v
	}
	return env, nil
}

// FromMap 校验松散类型的下行消息（例如运维推送的消息）并转换为 Envelope。
func FromMap(m map[string]any) (Envelope, error) {
	if m == nil {
		return Envelope{}, errs.Validation("", "envelope must be a JSON object")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, errs.Validation("data", "is not serializable")
	}
	return Parse(raw)
}

// New 构造下行信封，data 序列化为 JSON 并带上当前时间戳。
func New(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, errs.Validation("data", "is not serializable")
		}
		env.Data = raw
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Now 按信封格式返回当前时间
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func decodeString(raw json.RawMessage, dst *string) error {
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
