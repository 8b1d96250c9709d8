package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
)

const defaultRecommendationLimit = 5

// Config 引擎配置
type Config struct {
	Catalog profile.Catalog
	// Timeout 限制每次协作服务调用，0 表示不额外限制
	Timeout time.Duration
}

// Engine 执行器工厂。回答处理链只编译一次，由各用户的执行器共享。
type Engine struct {
	cfg        Config
	qa         QAService
	docs       DocumentService
	recs       RecommendationService
	transcript TranscriptStore
	now        func() time.Time
	logger     *zap.Logger
	run        compose.Runnable[*turn, *turn]
}

// turn is the value flowing through the run chain.
type turn struct {
	userID    string
	state     profile.State
	evaluated string
	failure   error
}

// NewEngine 用协作服务构建执行器工厂，不保留对话记录时 store 可为 nil。
func NewEngine(ctx context.Context, cfg Config, qa QAService, docs DocumentService, recs RecommendationService, store TranscriptStore, logger *zap.Logger) (*Engine, error) {
	if qa == nil || docs == nil || recs == nil {
		return nil, errors.New("workflow engine requires qa, document and recommendation services")
	}
	if len(cfg.Catalog.Names()) == 0 {
		cfg.Catalog = profile.CatalogOf(profile.DefaultSections...)
	}

	e := &Engine{
		cfg:        cfg,
		qa:         qa,
		docs:       docs,
		recs:       recs,
		transcript: store,
		now:        time.Now,
		logger:     logging.OrNop(logger).Named("workflow"),
	}

	chain := compose.NewChain[*turn, *turn]()
	chain.AppendLambda(compose.InvokableLambda(e.evaluate), compose.WithNodeName("evaluate"))
	chain.AppendLambda(compose.InvokableLambda(e.advance), compose.WithNodeName("advance"))

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow chain: %w", err)
	}
	e.run = runnable
	return e, nil
}

// NewExecutor 返回 userID 的执行器
func (e *Engine) NewExecutor(userID string) (Executor, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return &executor{engine: e, userID: userID}, nil
}

// InitialState 构造 userID 的初始状态
func (e *Engine) InitialState(userID string) profile.State {
	return profile.NewState(userID, e.cfg.Catalog.Names(), e.now())
}

// Catalog 返回配置的板块
func (e *Engine) Catalog() profile.Catalog {
	return e.cfg.Catalog
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

// evaluate folds the pending answer into its section.
func (e *Engine) evaluate(ctx context.Context, t *turn) (*turn, error) {
	ans := t.state.CurrentAnswer
	if ans == nil {
		return t, nil
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	upd, err := e.qa.Evaluate(callCtx, t.state, *ans)
	if err != nil {
		t.failure = errs.Collaborator("qa_service", err)
		return t, t.failure
	}

	sec := t.state.Sections[ans.Section]
	if upd.Content != "" {
		sec.Content = upd.Content
	}
	if len(upd.Metadata) > 0 {
		if sec.Metadata == nil {
			sec.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			sec.Metadata[k] = v
		}
	}
	switch {
	case upd.Complete:
		sec.Status = profile.SectionCompleted
	case sec.Status == profile.SectionNotStarted:
		sec.Status = profile.SectionInProgress
	}
	t.state.Sections[ans.Section] = sec
	t.evaluated = ans.Section

	e.record(ctx, t.userID, ans.Section, transcript.RoleUser, answerText(*ans))
	t.state.CurrentAnswer = nil
	return t, nil
}

// advance moves to the next open section, refreshes questions and derives
// the overall status.
func (e *Engine) advance(ctx context.Context, t *turn) (*turn, error) {
	st := &t.state
	catalog := e.cfg.Catalog

	if t.evaluated != "" && t.evaluated == st.CurrentSection {
		switch st.Sections[st.CurrentSection].Status {
		case profile.SectionCompleted, profile.SectionApproved:
			if next, ok := catalog.Next(*st, st.CurrentSection); ok {
				st.CurrentSection = next
			}
			st.CurrentQuestions = nil
		}
	}

	required := catalog.Required()
	switch st.Status {
	case profile.StatusIdle, profile.StatusInProgress:
		if st.AllSections(required, profile.SectionCompleted, profile.SectionApproved) {
			st.Status = profile.StatusReview
		}
	case profile.StatusReview:
		if st.AllSections(required, profile.SectionApproved) {
			st.Status = profile.StatusComplete
		}
	}

	if st.Status == profile.StatusInProgress && len(st.CurrentQuestions) == 0 {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()

		qs, err := e.qa.Questions(callCtx, *st, st.CurrentSection, "")
		if err != nil {
			t.failure = errs.Collaborator("qa_service", err)
			return t, t.failure
		}
		st.CurrentQuestions = qs
		for _, q := range qs {
			e.record(ctx, t.userID, st.CurrentSection, transcript.RoleAssistant, q)
		}
	}

	st.Stamp(e.now())
	return t, nil
}

func (e *Engine) record(ctx context.Context, userID, section string, role transcript.Role, content string) {
	if e.transcript == nil || content == "" {
		return
	}
	if err := e.transcript.Append(ctx, transcript.Turn{UserID: userID, Section: section, Role: role, Content: content}); err != nil {
		e.logger.Warn("record transcript failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func answerText(ans profile.Answer) string {
	if ans.Text != "" {
		return ans.Text
	}
	return string(ans.Value)
}

type executor struct {
	engine *Engine
	userID string
}

func (x *executor) Run(ctx context.Context, st profile.State) (profile.State, error) {
	in := &turn{userID: x.userID, state: st.Clone()}
	out, err := x.engine.run.Invoke(ctx, in)
	if in.failure != nil {
		return st, in.failure
	}
	if err != nil {
		return st, errs.Collaborator("workflow", err)
	}
	return out.state, nil
}

func (x *executor) Questions(ctx context.Context, st profile.State, req message.AskQuestion) (profile.State, error) {
	e := x.engine
	section := req.Section
	if section == "" {
		section = st.CurrentSection
	}
	if !e.cfg.Catalog.Contains(section) {
		return st, errs.Protocol(message.TypeAskQuestion, fmt.Errorf("unknown section %q", section))
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	qs, err := e.qa.Questions(callCtx, st, section, req.Question)
	if err != nil {
		return st, errs.Collaborator("qa_service", err)
	}

	next := st.Clone()
	next.CurrentQuestions = qs
	if req.Question != "" {
		e.record(ctx, x.userID, section, transcript.RoleUser, req.Question)
	}
	for _, q := range qs {
		e.record(ctx, x.userID, section, transcript.RoleAssistant, q)
	}
	next.Stamp(e.now())
	return next, nil
}

func (x *executor) AnalyzeDocument(ctx context.Context, st profile.State, doc message.AnalyzeDocument) (profile.State, DocumentAnalysis, error) {
	e := x.engine
	if doc.Content == "" {
		return st, DocumentAnalysis{}, errs.Protocol(message.TypeAnalyzeDocument, errors.New("document content is empty"))
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	analysis, err := e.docs.Analyze(callCtx, x.userID, doc)
	if err != nil {
		return st, DocumentAnalysis{}, errs.Collaborator("document_service", err)
	}

	next := st.Clone()
	for name, content := range analysis.Sections {
		if !e.cfg.Catalog.Contains(name) || content == "" {
			continue
		}
		sec := next.Sections[name]
		if sec.Content == "" {
			sec.Content = content
		}
		if sec.Status == profile.SectionNotStarted {
			sec.Status = profile.SectionInProgress
		}
		if sec.Metadata == nil {
			sec.Metadata = make(map[string]any)
		}
		docs, _ := sec.Metadata["documents"].([]any)
		sec.Metadata["documents"] = append(docs, analysis.DocumentID)
		next.Sections[name] = sec
	}
	if next.Status == profile.StatusIdle && len(analysis.Sections) > 0 {
		next.Status = profile.StatusInProgress
	}
	next.Stamp(e.now())
	return next, analysis, nil
}

func (x *executor) Recommend(ctx context.Context, st profile.State, limit int) ([]Recommendation, error) {
	if limit <= 0 {
		limit = defaultRecommendationLimit
	}

	callCtx, cancel := x.engine.callCtx(ctx)
	defer cancel()

	recs, err := x.engine.recs.Recommend(callCtx, st, limit)
	if err != nil {
		return nil, errs.Collaborator("recommendation_service", err)
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
