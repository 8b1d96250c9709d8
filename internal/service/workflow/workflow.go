// Package workflow 档案构建状态机：处理协议消息的纯 Reducer，以及驱动业务协作服务的执行器。
package workflow

import (
	"context"

	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
)

// Executor 推进单个会话的档案。实现可能较慢或失败，调用方传入状态并拿回新状态。
type Executor interface {
	Run(ctx context.Context, st profile.State) (profile.State, error)
	Questions(ctx context.Context, st profile.State, req message.AskQuestion) (profile.State, error)
	AnalyzeDocument(ctx context.Context, st profile.State, doc message.AnalyzeDocument) (profile.State, DocumentAnalysis, error)
	Recommend(ctx context.Context, st profile.State, limit int) ([]Recommendation, error)
}

// Factory 创建会话执行器及初始状态
type Factory interface {
	NewExecutor(userID string) (Executor, error)
	InitialState(userID string) profile.State
}

// SectionUpdate 问答服务对一次回答的评估结果
type SectionUpdate struct {
	Content  string         `json:"content"`
	Complete bool           `json:"complete"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentAnalysis 文档服务从文档中提取的内容
type DocumentAnalysis struct {
	DocumentID string            `json:"documentId"`
	Summary    string            `json:"summary"`
	Sections   map[string]string `json:"sections,omitempty"`
	Highlights []string          `json:"highlights,omitempty"`
}

// Recommendation 一条完善档案的建议
type Recommendation struct {
	Section  string `json:"section,omitempty"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Priority int    `json:"priority"`
}

// QAService 评估回答并生成问题
type QAService interface {
	Evaluate(ctx context.Context, st profile.State, ans profile.Answer) (SectionUpdate, error)
	Questions(ctx context.Context, st profile.State, section, seed string) ([]string, error)
}

// DocumentService 分析上传的文档
type DocumentService interface {
	Analyze(ctx context.Context, userID string, doc message.AnalyzeDocument) (DocumentAnalysis, error)
}

// RecommendationService 为档案生成建议
type RecommendationService interface {
	Recommend(ctx context.Context, st profile.State, limit int) ([]Recommendation, error)
}

// TranscriptStore 记录对话轮次
type TranscriptStore interface {
	Append(ctx context.Context, turn transcript.Turn) error
}
