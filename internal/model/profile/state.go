package profile

import (
	"encoding/json"
	"time"
)

// Status 画像对话的整体状态
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// SectionStatus 单个板块的状态
type SectionStatus string

const (
	SectionNotStarted    SectionStatus = "not_started"
	SectionInProgress    SectionStatus = "in_progress"
	SectionCompleted     SectionStatus = "completed"
	SectionNeedsRevision SectionStatus = "needs_revision"
	SectionApproved      SectionStatus = "approved"
)

// DefaultSections 未配置时使用的默认板块
var DefaultSections = []string{"academic", "extracurricular", "personal", "essays"}

// Section 某个板块收集到的内容
type Section struct {
	Status   SectionStatus  `json:"status"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answer 等待并入板块的最新回答
type Answer struct {
	Section string          `json:"section"`
	Text    string          `json:"text,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// State 会话级的工作流数据，按值传递。修改他人持有的 map 或切片前先 Clone。
type State struct {
	UserID           string             `json:"userId"`
	Status           Status             `json:"status"`
	CurrentSection   string             `json:"currentSection"`
	Sections         map[string]Section `json:"sections"`
	CurrentQuestions []string           `json:"currentQuestions"`
	CurrentAnswer    *Answer            `json:"currentAnswer,omitempty"`
	InteractionCount int                `json:"interactionCount"`
	LastUpdated      time.Time          `json:"lastUpdated"`
}

// NewState 为 userID 构建初始状态
func NewState(userID string, sections []string, now time.Time) State {
	if len(sections) == 0 {
		sections = DefaultSections
	}
	st := State{
		UserID:           userID,
		Status:           StatusIdle,
		CurrentSection:   sections[0],
		Sections:         make(map[string]Section, len(sections)),
		CurrentQuestions: []string{},
		LastUpdated:      now.UTC(),
	}
	for _, name := range sections {
		st.Sections[name] = Section{Status: SectionNotStarted}
	}
	return st
}

// Clone 深拷贝
func (s State) Clone() State {
	out := s
	out.Sections = make(map[string]Section, len(s.Sections))
	for name, sec := range s.Sections {
		sec.Metadata = copyMap(sec.Metadata)
		out.Sections[name] = sec
	}
	out.CurrentQuestions = append([]string(nil), s.CurrentQuestions...)
	if s.CurrentAnswer != nil {
		ans := *s.CurrentAnswer
		ans.Value = append(json.RawMessage(nil), s.CurrentAnswer.Value...)
		out.CurrentAnswer = &ans
	}
	return out
}

// Touch 记录一次有效交互
func (s *State) Touch(now time.Time) {
	s.InteractionCount++
	s.Stamp(now)
}

// Stamp 将 LastUpdated 推进到 now，不会回退。
func (s *State) Stamp(now time.Time) {
	now = now.UTC()
	if now.After(s.LastUpdated) {
		s.LastUpdated = now
	}
}

// AllSections 判断列出的板块是否都处于给定状态之一
func (s State) AllSections(names []string, statuses ...SectionStatus) bool {
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		sec, ok := s.Sections[name]
		if !ok || !hasStatus(sec.Status, statuses) {
			return false
		}
	}
	return true
}

func hasStatus(st SectionStatus, statuses []SectionStatus) bool {
	for _, candidate := range statuses {
		if st == candidate {
			return true
		}
	}
	return false
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return copyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
