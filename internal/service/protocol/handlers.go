// Package protocol 将上行消息类型绑定到工作流。
package protocol

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/service/session"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

// QuestionsData questions 信封的 data
type QuestionsData struct {
	Section   string   `json:"section"`
	Questions []string `json:"questions"`
}

// RecommendationsData recommendations 信封的 data
type RecommendationsData struct {
	Recommendations []workflow.Recommendation `json:"recommendations"`
}

type handlers struct {
	reducer *workflow.Reducer
	logger  *zap.Logger
}

// RegisterHandlers 为每种上行消息类型注册处理器
func RegisterHandlers(r *session.Router, reducer *workflow.Reducer, logger *zap.Logger) {
	h := &handlers{reducer: reducer, logger: logging.OrNop(logger).Named("protocol")}

	r.HandleFunc(message.TypeSwitchSection, h.switchSection)
	r.HandleFunc(message.TypeAnswer, h.runAfterReduce)
	r.HandleFunc(message.TypeReviewFeedback, h.runAfterReduce)
	r.HandleFunc(message.TypeAskQuestion, h.askQuestion)
	r.HandleFunc(message.TypeAnalyzeDocument, h.analyzeDocument)
	r.HandleFunc(message.TypeGetRecommendations, h.recommendations)
}

func (h *handlers) switchSection(ctx context.Context, c *session.Context, env message.Envelope) error {
	next, err := h.reducer.UpdateState(c.State(), env.Type, nil, env)
	if err != nil {
		return err
	}
	c.Commit(next)
	return c.ReplyData(ctx, message.TypeState, next)
}

// runAfterReduce applies the protocol transition and then lets the executor
// recompute the profile. Nothing is committed unless both succeed.
func (h *handlers) runAfterReduce(ctx context.Context, c *session.Context, env message.Envelope) error {
	reduced, err := h.reducer.UpdateState(c.State(), env.Type, nil, env)
	if err != nil {
		return err
	}

	next, err := c.Executor().Run(ctx, reduced)
	if err != nil {
		return err
	}
	c.Commit(next)

	h.logger.Debug("state advanced",
		zap.String("session_id", c.SessionID),
		zap.String("type", env.Type),
		zap.String("status", string(next.Status)),
		zap.Int("interaction_count", next.InteractionCount),
	)
	return c.ReplyData(ctx, message.TypeState, next)
}

func (h *handlers) askQuestion(ctx context.Context, c *session.Context, env message.Envelope) error {
	var req message.AskQuestion
	if err := decode(env, &req); err != nil {
		return err
	}

	next, err := c.Executor().Questions(ctx, c.State(), req)
	if err != nil {
		return err
	}
	c.Commit(next)

	section := req.Section
	if section == "" {
		section = next.CurrentSection
	}
	return c.ReplyData(ctx, message.TypeQuestions, QuestionsData{Section: section, Questions: next.CurrentQuestions})
}

func (h *handlers) analyzeDocument(ctx context.Context, c *session.Context, env message.Envelope) error {
	var doc message.AnalyzeDocument
	if err := decode(env, &doc); err != nil {
		return err
	}

	next, analysis, err := c.Executor().AnalyzeDocument(ctx, c.State(), doc)
	if err != nil {
		return err
	}
	c.Commit(next)

	if err := c.ReplyData(ctx, message.TypeDocumentAnalysis, analysis); err != nil {
		return err
	}
	return c.ReplyData(ctx, message.TypeState, next)
}

func (h *handlers) recommendations(ctx context.Context, c *session.Context, env message.Envelope) error {
	var req message.GetRecommendations
	if err := decode(env, &req); err != nil {
		return err
	}

	recs, err := c.Executor().Recommend(ctx, c.State(), req.Limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []workflow.Recommendation{}
	}
	return c.ReplyData(ctx, message.TypeRecommendations, RecommendationsData{Recommendations: recs})
}

// decode fills dst with env's typed payload.
func decode[T message.Payload](env message.Envelope, dst *T) error {
	payload, err := message.DecodePayload(env)
	if err != nil {
		return err
	}
	p, ok := payload.(T)
	if !ok {
		return errs.Protocol(env.Type, message.ErrUnknownType)
	}
	*dst = p
	return nil
}
