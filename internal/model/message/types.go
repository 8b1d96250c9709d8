package message

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
)

// 上行协议类型
const (
	TypeSwitchSection  = "switch_section"
	TypeAnswer         = "answer"
	TypeReviewFeedback = "review_feedback"
)

// 转交给工作流执行器的上行业务类型
const (
	TypeAnalyzeDocument    = "analyze_document"
	TypeAskQuestion        = "ask_question"
	TypeGetRecommendations = "get_recommendations"
)

// 下行类型
const (
	TypeConnected        = "connected"
	TypeState            = "state"
	TypeQuestions        = "questions"
	TypeDocumentAnalysis = "document_analysis"
	TypeRecommendations  = "recommendations"
	TypeAnnouncement     = "announcement"
	TypeError            = "error"
)

// ErrUnknownType 没有处理器的消息类型
var ErrUnknownType = errors.New("unknown message type")

// Payload 信封 data 的类型化形式
type Payload interface {
	messageType() string
}

// SwitchSection 切换到另一个板块
type SwitchSection struct {
	Section string `json:"section"`
}

// Answer 用户对当前问题的回答。回答为字符串或带 "text" 字段的对象时设置 Text。
type Answer struct {
	Text  string          `json:"text,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ReviewFeedback 将审阅意见合并到板块
type ReviewFeedback struct {
	Section  string         `json:"section"`
	Feedback map[string]any `json:"feedback"`
}

// AnalyzeDocument 请求分析一份文档
type AnalyzeDocument struct {
	DocumentID string `json:"document_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Content    string `json:"content"`
}

// AskQuestion 请求板块的下一批问题，可附带用户自己的问题。
type AskQuestion struct {
	Section  string `json:"section,omitempty"`
	Question string `json:"question,omitempty"`
}

// GetRecommendations 请求针对当前档案的建议
type GetRecommendations struct {
	Limit int `json:"limit,omitempty"`
}

// Unknown 没有类型化载荷的消息
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SwitchSection) messageType() string      { return TypeSwitchSection }
func (Answer) messageType() string             { return TypeAnswer }
func (ReviewFeedback) messageType() string     { return TypeReviewFeedback }
func (AnalyzeDocument) messageType() string    { return TypeAnalyzeDocument }
func (AskQuestion) messageType() string        { return TypeAskQuestion }
func (GetRecommendations) messageType() string { return TypeGetRecommendations }
func (u Unknown) messageType() string          { return u.Type }

// DecodePayload 按 Type 将 env.Data 解析为对应载荷。
// 必填字段缺失交给调用方判断，这里只报告结构错误。
func DecodePayload(env Envelope) (Payload, error) {
	switch env.Type {
	case TypeSwitchSection:
		var p SwitchSection
		err := decodeObject(env, &p)
		return p, err
	case TypeAnswer:
		return decodeAnswer(env.Data)
	case TypeReviewFeedback:
		var p ReviewFeedback
		err := decodeObject(env, &p)
		return p, err
	case TypeAnalyzeDocument:
		var p AnalyzeDocument
		err := decodeObject(env, &p)
		return p, err
	case TypeAskQuestion:
		var p AskQuestion
		err := decodeObject(env, &p)
		return p, err
	case TypeGetRecommendations:
		var p GetRecommendations
		err := decodeObject(env, &p)
		return p, err
	default:
		return Unknown{Type: env.Type, Raw: env.Data}, nil
	}
}

func decodeObject(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return errs.Validation("data", "has an invalid shape for "+env.Type)
	}
	return nil
}

func decodeAnswer(raw json.RawMessage) (Answer, error) {
	if len(raw) == 0 {
		return Answer{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	ans := Answer{Value: append(json.RawMessage(nil), trimmed...)}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		ans.Text = text
		return ans, nil
	}
	var obj struct {
		Text   *string `json:"text"`
		Answer *string `json:"answer"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		switch {
		case obj.Text != nil:
			ans.Text = *obj.Text
		case obj.Answer != nil:
			ans.Text = *obj.Answer
		}
	}
	return ans, nil
}

// ErrorData 下行 error 信封的 data
type ErrorData struct {
	Kind         errs.Kind `json:"kind"`
	MessageType  string    `json:"messageType,omitempty"`
	RetryAfterMS int64     `json:"retryAfterMs,omitempty"`
}

// NewError 将 err 转换为下行 error 信封
func NewError(err error) Envelope {
	data := ErrorData{Kind: errs.KindOf(err)}

	var rateErr *errs.RateLimitError
	if errors.As(err, &rateErr) {
		data.RetryAfterMS = rateErr.RetryAfter.Milliseconds()
	}
	var protocolErr *errs.ProtocolError
	if errors.As(err, &protocolErr) {
		data.MessageType = protocolErr.MessageType
	}

	raw, _ := json.Marshal(data)
	return Envelope{
		Type:      TypeError,
		Data:      raw,
		Error:     err.Error(),
		Timestamp: Now(),
	}
}
