package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
)

type scriptedModel struct {
	reply string
	err   error
	seen  [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.seen = append(m.seen, input)
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

type staticHistory []transcript.Turn

func (h staticHistory) Recent(context.Context, string, int) []transcript.Turn { return h }

func testState() profile.State {
	return profile.NewState("u1", profile.DefaultSections, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func newFallbackService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), nil, nil, Config{}, nil)
	require.NoError(t, err)
	require.False(t, svc.Enabled())
	return svc
}

func TestFallbackEvaluateAccumulatesContent(t *testing.T) {
	svc := newFallbackService(t)
	st := testState()
	st.Sections["academic"] = profile.Section{Status: profile.SectionInProgress, Content: "Took AP Physics."}

	upd, err := svc.Evaluate(context.Background(), st, profile.Answer{Section: "academic", Text: "GPA is 3.9"})
	require.NoError(t, err)
	assert.Equal(t, "Took AP Physics.\nGPA is 3.9", upd.Content)
	assert.False(t, upd.Complete)
	assert.Equal(t, "heuristic", upd.Metadata["source"])

	long := strings.Repeat("word ", completeWordCount)
	upd, err = svc.Evaluate(context.Background(), testState(), profile.Answer{Section: "academic", Text: long})
	require.NoError(t, err)
	assert.True(t, upd.Complete)
}

func TestFallbackQuestions(t *testing.T) {
	svc := newFallbackService(t)

	qs, err := svc.Questions(context.Background(), testState(), "academic", "")
	require.NoError(t, err)
	assert.Len(t, qs, 2)
	assert.Equal(t, questionBank["academic"][0], qs[0])

	qs, err = svc.Questions(context.Background(), testState(), "portfolio", "how long should it be?")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Contains(t, qs[0], "how long should it be?")
	assert.Contains(t, qs[1], "portfolio")
}

func TestFallbackAnalyzeClassifiesSentences(t *testing.T) {
	svc := newFallbackService(t)
	doc := message.AnalyzeDocument{
		DocumentID: "doc-1",
		Content:    "My GPA is 3.95 and I took five AP courses. I was captain of the debate team. I love cooking with my family.",
	}

	analysis, err := svc.Analyze(context.Background(), "u1", doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", analysis.DocumentID)
	assert.Equal(t, "My GPA is 3.95 and I took five AP courses", analysis.Summary)
	assert.Contains(t, analysis.Sections["academic"], "GPA")
	assert.Contains(t, analysis.Sections["extracurricular"], "debate")
	assert.Contains(t, analysis.Sections["personal"], "family")
	assert.Equal(t, []string{"My GPA is 3.95 and I took five AP courses"}, analysis.Highlights)
}

func TestFallbackAnalyzeAssignsID(t *testing.T) {
	svc := newFallbackService(t)
	analysis, err := svc.Analyze(context.Background(), "u1", message.AnalyzeDocument{Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, analysis.DocumentID)
}

func TestFallbackRecommendOrdersByPriority(t *testing.T) {
	svc := newFallbackService(t)
	st := testState()
	st.Sections["academic"] = profile.Section{Status: profile.SectionCompleted}
	st.Sections["extracurricular"] = profile.Section{Status: profile.SectionInProgress}
	st.Sections["essays"] = profile.Section{Status: profile.SectionNeedsRevision}

	recs, err := svc.Recommend(context.Background(), st, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "personal", recs[0].Section)
	assert.Equal(t, "essays", recs[1].Section)
	assert.Equal(t, "extracurricular", recs[2].Section)
}

func TestModelEvaluateParsesReply(t *testing.T) {
	m := &scriptedModel{reply: "Sure:\n{\"content\":\"Strong STEM record.\",\"complete\":true,\"score\":1.4,\"notes\":\"add awards\"}"}
	history := staticHistory{
		{Role: transcript.RoleAssistant, Content: "What is your GPA?"},
		{Role: transcript.RoleUser, Content: "3.9"},
	}
	svc, err := NewService(context.Background(), m, history, Config{}, nil)
	require.NoError(t, err)
	require.True(t, svc.Enabled())

	upd, err := svc.Evaluate(context.Background(), testState(), profile.Answer{Section: "academic", Text: "3.9"})
	require.NoError(t, err)
	assert.Equal(t, "Strong STEM record.", upd.Content)
	assert.True(t, upd.Complete)
	assert.Equal(t, 1.0, upd.Metadata["score"])
	assert.Equal(t, "add awards", upd.Metadata["notes"])

	require.Len(t, m.seen, 1)
	msgs := m.seen[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Equal(t, schema.User, msgs[3].Role)
}

func TestModelFailureFallsBack(t *testing.T) {
	m := &scriptedModel{err: errors.New("quota exceeded")}
	svc, err := NewService(context.Background(), m, nil, Config{}, nil)
	require.NoError(t, err)

	qs, err := svc.Questions(context.Background(), testState(), "essays", "")
	require.NoError(t, err)
	assert.Equal(t, questionBank["essays"][:2], qs)
}

func TestModelUnparsableReplyFallsBack(t *testing.T) {
	m := &scriptedModel{reply: "I cannot help with that."}
	svc, err := NewService(context.Background(), m, nil, Config{}, nil)
	require.NoError(t, err)

	recs, err := svc.Recommend(context.Background(), testState(), 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Priority)
}

func TestModelAnalyzeDropsUnknownSections(t *testing.T) {
	m := &scriptedModel{reply: `{"summary":"A transcript.","sections":{"academic":"GPA 3.9","hobbies":"chess"},"highlights":["GPA 3.9"]}`}
	svc, err := NewService(context.Background(), m, nil, Config{}, nil)
	require.NoError(t, err)

	analysis, err := svc.Analyze(context.Background(), "u1", message.AnalyzeDocument{DocumentID: "d", Content: "..."})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"academic": "GPA 3.9"}, analysis.Sections)
	assert.Equal(t, "A transcript.", analysis.Summary)
}

func TestFallbackQuestionsFollowTone(t *testing.T) {
	svc := newFallbackService(t)
	st := testState()

	upd, err := svc.Evaluate(context.Background(), st, profile.Answer{Section: "academic", Text: "I'm worried my grades are not good enough"})
	require.NoError(t, err)
	assert.Equal(t, "anxious", upd.Metadata["tone"])

	st.Sections["academic"] = profile.Section{Status: profile.SectionInProgress, Content: upd.Content, Metadata: upd.Metadata}
	qs, err := svc.Questions(context.Background(), st, "academic", "")
	require.NoError(t, err)
	require.NotEmpty(t, qs)
	assert.True(t, strings.HasPrefix(qs[0], "No pressure"))
}
