// Package ai 基于 eino 对话链实现画像协作服务，未配置模型或输出不可用时回退到确定性规则。
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/analysis/tone"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

var errMissingJSON = errors.New("missing json object")

// History 为提示词提供最近的对话
type History interface {
	Recent(ctx context.Context, userID string, n int) []transcript.Turn
}

// Config 控制 AI 服务的行为。
type Config struct {
	Catalog          profile.Catalog
	HistoryLimit     int
	QuestionsPerTurn int
}

// Service 实现问答、文档分析与推荐三个协作方。
type Service struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	history History
	cfg     Config
	logger  *zap.Logger
}

var (
	_ workflow.QAService             = (*Service)(nil)
	_ workflow.DocumentService       = (*Service)(nil)
	_ workflow.RecommendationService = (*Service)(nil)
)

// NewService 创建 AI 服务。chatModel 为 nil 时全部使用规则回退，history 可为 nil。
func NewService(ctx context.Context, chatModel model.BaseChatModel, history History, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.QuestionsPerTurn <= 0 {
		cfg.QuestionsPerTurn = 2
	}
	if len(cfg.Catalog.Names()) == 0 {
		cfg.Catalog = profile.CatalogOf(profile.DefaultSections...)
	}

	svc := &Service{
		history: history,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("ai"),
	}
	if chatModel == nil {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile profile chain: %w", err)
	}
	svc.chain = runnable
	return svc, nil
}

// Enabled 返回是否接入了大模型。
func (s *Service) Enabled() bool {
	return s != nil && s.chain != nil
}

type evaluatePayload struct {
	Content  string   `json:"content"`
	Complete bool     `json:"complete"`
	Score    *float64 `json:"score"`
	Notes    string   `json:"notes"`
}

// Evaluate 将回答并入对应板块
func (s *Service) Evaluate(ctx context.Context, st profile.State, ans profile.Answer) (workflow.SectionUpdate, error) {
	if !s.Enabled() {
		return heuristicEvaluate(st, ans), nil
	}

	query := fmt.Sprintf("%s\nSection: %s\nExisting content: %s\nLatest answer: %s",
		describeState(st, s.cfg.Catalog.Names()), ans.Section,
		strings.TrimSpace(st.Sections[ans.Section].Content), answerText(ans))

	var out evaluatePayload
	if err := s.ask(ctx, st.UserID, evaluatePrompt, query, &out); err != nil {
		if ctx.Err() != nil {
			return workflow.SectionUpdate{}, ctx.Err()
		}
		s.logger.Warn("evaluate failed, use fallback", zap.String("user_id", st.UserID), zap.Error(err))
		return heuristicEvaluate(st, ans), nil
	}
	if strings.TrimSpace(out.Content) == "" {
		return heuristicEvaluate(st, ans), nil
	}

	meta := map[string]any{"source": "model", "tone": string(tone.Analyze(answerText(ans)).Tone)}
	if out.Score != nil {
		meta["score"] = clamp01(*out.Score)
	}
	if notes := strings.TrimSpace(out.Notes); notes != "" {
		meta["notes"] = notes
	}
	return workflow.SectionUpdate{Content: strings.TrimSpace(out.Content), Complete: out.Complete, Metadata: meta}, nil
}

// Questions 返回板块的下一批问题，seed 是可选的用户问题。
func (s *Service) Questions(ctx context.Context, st profile.State, section, seed string) ([]string, error) {
	n := s.cfg.QuestionsPerTurn
	if !s.Enabled() {
		return heuristicQuestions(st, section, seed, n), nil
	}

	query := fmt.Sprintf("%s\nSection: %s", describeState(st, s.cfg.Catalog.Names()), section)
	if seed = strings.TrimSpace(seed); seed != "" {
		query += "\nThe student asked: " + seed
	}

	var out struct {
		Questions []string `json:"questions"`
	}
	if err := s.ask(ctx, st.UserID, questionsSystem(n), query, &out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("questions failed, use fallback", zap.String("user_id", st.UserID), zap.Error(err))
		return heuristicQuestions(st, section, seed, n), nil
	}

	questions := make([]string, 0, len(out.Questions))
	for _, q := range out.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
		if len(questions) == n {
			break
		}
	}
	if len(questions) == 0 {
		return heuristicQuestions(st, section, seed, n), nil
	}
	return questions, nil
}

// Analyze 从上传文档中提取各板块素材
func (s *Service) Analyze(ctx context.Context, userID string, doc message.AnalyzeDocument) (workflow.DocumentAnalysis, error) {
	documentID := doc.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}
	sections := s.cfg.Catalog.Names()
	if !s.Enabled() {
		return heuristicAnalyze(documentID, doc.Content, sections), nil
	}

	query := fmt.Sprintf("Filename: %s\nDocument:\n%s", doc.Filename, truncate(doc.Content, 8000))

	var out struct {
		Summary    string            `json:"summary"`
		Sections   map[string]string `json:"sections"`
		Highlights []string          `json:"highlights"`
	}
	if err := s.ask(ctx, userID, documentSystem(sections), query, &out); err != nil {
		if ctx.Err() != nil {
			return workflow.DocumentAnalysis{}, ctx.Err()
		}
		s.logger.Warn("analyze failed, use fallback", zap.String("user_id", userID), zap.Error(err))
		return heuristicAnalyze(documentID, doc.Content, sections), nil
	}

	analysis := workflow.DocumentAnalysis{
		DocumentID: documentID,
		Summary:    strings.TrimSpace(out.Summary),
		Sections:   make(map[string]string, len(out.Sections)),
		Highlights: out.Highlights,
	}
	for name, text := range out.Sections {
		if s.cfg.Catalog.Contains(name) && strings.TrimSpace(text) != "" {
			analysis.Sections[name] = strings.TrimSpace(text)
		}
	}
	return analysis, nil
}

// Recommend 给出最多 limit 条建议，最紧急的在前
func (s *Service) Recommend(ctx context.Context, st profile.State, limit int) ([]workflow.Recommendation, error) {
	order := sectionOrder(st, s.cfg.Catalog)
	if !s.Enabled() {
		return heuristicRecommend(st, order, limit), nil
	}

	var out struct {
		Recommendations []workflow.Recommendation `json:"recommendations"`
	}
	if err := s.ask(ctx, st.UserID, recommendSystem(limit), describeState(st, order), &out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("recommend failed, use fallback", zap.String("user_id", st.UserID), zap.Error(err))
		return heuristicRecommend(st, order, limit), nil
	}
	if len(out.Recommendations) == 0 {
		return heuristicRecommend(st, order, limit), nil
	}

	recs := out.Recommendations
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// ask runs the chain and decodes the first JSON object of the reply into dst.
func (s *Service) ask(ctx context.Context, userID, system, query string, dst any) error {
	input := map[string]any{
		"system":  system,
		"history": s.buildHistoryMessages(ctx, userID),
		"query":   query,
	}

	msg, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to run profile chain: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return errMissingJSON
	}
	return parseJSONObject(msg.Content, dst)
}

func (s *Service) buildHistoryMessages(ctx context.Context, userID string) []*schema.Message {
	if s.history == nil || userID == "" {
		return nil
	}

	turns := s.history.Recent(ctx, userID, s.cfg.HistoryLimit)
	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case transcript.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case transcript.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}

// parseJSONObject 解析大模型返回内容中的第一个 JSON 对象。
func parseJSONObject(content string, dst any) error {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return errMissingJSON
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), dst)
}

// sectionOrder returns the catalog order, followed by any extra sections
// present in st sorted by name.
func sectionOrder(st profile.State, catalog profile.Catalog) []string {
	order := catalog.Names()
	var extra []string
	for name := range st.Sections {
		if !catalog.Contains(name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func answerText(ans profile.Answer) string {
	if ans.Text != "" {
		return ans.Text
	}
	return string(ans.Value)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
