package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
)

var (
	ErrInvalidSectionSwitch = errors.New("Invalid section switch data")
	ErrInvalidFeedback      = errors.New("invalid review feedback data")
	ErrEmptyAnswer          = errors.New("answer is empty")
)

// Reducer 将协议消息应用到档案状态，不调用业务协作服务，也不修改输入。
type Reducer struct {
	catalog profile.Catalog
	now     func() time.Time
}

// NewReducer 创建按 catalog 校验板块的 Reducer
func NewReducer(catalog profile.Catalog) *Reducer {
	return &Reducer{catalog: catalog, now: time.Now}
}

// UpdateState 由 (state, type, payload) 计算下一个状态，payload 为 nil 时从 raw 解析。
// 业务类型原样通过，其他类型返回协议错误。
func (r *Reducer) UpdateState(current profile.State, msgType string, payload message.Payload, raw message.Envelope) (profile.State, error) {
	if payload == nil {
		decoded, err := message.DecodePayload(raw)
		if err != nil {
			return current, err
		}
		payload = decoded
	}

	switch msgType {
	case message.TypeSwitchSection:
		p, _ := payload.(message.SwitchSection)
		return r.switchSection(current, p)
	case message.TypeAnswer:
		p, _ := payload.(message.Answer)
		return r.answer(current, p, raw)
	case message.TypeReviewFeedback:
		p, _ := payload.(message.ReviewFeedback)
		return r.reviewFeedback(current, p)
	case message.TypeAnalyzeDocument, message.TypeAskQuestion, message.TypeGetRecommendations:
		return current, nil
	default:
		return current, errs.Protocol(msgType, message.ErrUnknownType)
	}
}

func (r *Reducer) switchSection(current profile.State, p message.SwitchSection) (profile.State, error) {
	if p.Section == "" {
		return current, errs.Protocol(message.TypeSwitchSection, ErrInvalidSectionSwitch)
	}
	if !r.catalog.Contains(p.Section) {
		return current, errs.Protocol(message.TypeSwitchSection, fmt.Errorf("%w: unknown section %q", ErrInvalidSectionSwitch, p.Section))
	}

	next := current.Clone()
	next.CurrentSection = p.Section
	next.Touch(r.now())
	return next, nil
}

func (r *Reducer) answer(current profile.State, p message.Answer, raw message.Envelope) (profile.State, error) {
	if p.Text == "" && len(p.Value) == 0 {
		p.Value = raw.Data
	}
	if p.Text == "" && len(p.Value) == 0 {
		return current, errs.Protocol(message.TypeAnswer, ErrEmptyAnswer)
	}

	next := current.Clone()
	next.CurrentAnswer = &profile.Answer{
		Section: next.CurrentSection,
		Text:    p.Text,
		Value:   append([]byte(nil), p.Value...),
	}
	if next.Status == profile.StatusIdle {
		next.Status = profile.StatusInProgress
	}
	sec := next.Sections[next.CurrentSection]
	if sec.Status == profile.SectionNotStarted || sec.Status == "" {
		sec.Status = profile.SectionInProgress
		next.Sections[next.CurrentSection] = sec
	}
	next.Touch(r.now())
	return next, nil
}

func (r *Reducer) reviewFeedback(current profile.State, p message.ReviewFeedback) (profile.State, error) {
	if p.Section == "" || len(p.Feedback) == 0 {
		return current, errs.Protocol(message.TypeReviewFeedback, ErrInvalidFeedback)
	}
	if !r.catalog.Contains(p.Section) {
		return current, errs.Protocol(message.TypeReviewFeedback, fmt.Errorf("%w: unknown section %q", ErrInvalidFeedback, p.Section))
	}

	next := current.Clone()
	sec := next.Sections[p.Section]
	if sec.Metadata == nil {
		sec.Metadata = make(map[string]any)
	}
	merged, _ := sec.Metadata["feedback"].(map[string]any)
	if merged == nil {
		merged = make(map[string]any, len(p.Feedback))
	}
	for k, v := range p.Feedback {
		merged[k] = v
	}
	sec.Metadata["feedback"] = merged

	if approved, _ := p.Feedback["approved"].(bool); approved {
		sec.Status = profile.SectionApproved
	} else {
		sec.Status = profile.SectionNeedsRevision
	}
	next.Sections[p.Section] = sec
	next.Touch(r.now())
	return next, nil
}
