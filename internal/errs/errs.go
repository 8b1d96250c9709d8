// Package errs 会话核心共用的错误分类。
//
// 校验、协议、限流和协作服务错误以消息形式回复客户端，只有传输错误会结束会话。
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind 错误在消息中的分类
type Kind string

const (
	KindValidation   Kind = "validation"
	KindRateLimit    Kind = "rate_limit"
	KindProtocol     Kind = "protocol"
	KindTransport    Kind = "transport"
	KindCollaborator Kind = "collaborator"
	KindInternal     Kind = "internal"
)

// ValidationError 信封格式错误或不完整
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Validation 为 field 构造 ValidationError
func Validation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitError 请求被限流拒绝
type RateLimitError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// Status 返回限流对应的 HTTP 状态码
func (e *RateLimitError) Status() int {
	return http.StatusTooManyRequests
}

// ProtocolError 非法的状态转换输入
type ProtocolError struct {
	MessageType string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.MessageType == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.MessageType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol 将 err 包装为 msgType 的 ProtocolError
func Protocol(msgType string, err error) *ProtocolError {
	return &ProtocolError{MessageType: msgType, Err: err}
}

// TransportError 连接断开或不可恢复的 I/O 错误
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport 将 err 包装为 TransportError
func Transport(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// CollaboratorError 工作流执行器或业务服务失败
type CollaboratorError struct {
	Service string
	Err     error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Service, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Collaborator 将 err 包装为 service 的 CollaboratorError
func Collaborator(service string, err error) *CollaboratorError {
	return &CollaboratorError{Service: service, Err: err}
}

// KindOf 返回 err 的分类，未分类的错误归为 internal。
func KindOf(err error) Kind {
	var (
		validationErr   *ValidationError
		rateErr         *RateLimitError
		protocolErr     *ProtocolError
		transportErr    *TransportError
		collaboratorErr *CollaboratorError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &rateErr):
		return KindRateLimit
	case errors.As(err, &protocolErr):
		return KindProtocol
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &collaboratorErr):
		return KindCollaborator
	default:
		return KindInternal
	}
}

// IsFatal 判断 err 是否必须结束会话
func IsFatal(err error) bool {
	return KindOf(err) == KindTransport
}
