package ai

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/zhouzirui/z-profile/backend/internal/analysis/tone"
	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

// 模型不可用或输出无法解析时使用的确定性规则。

const (
	completeWordCount = 60
	summaryRunes      = 200
	maxHighlights     = 3
)

var sectionKeywords = map[string][]string{
	"academic": {
		"gpa", "grade", "course", "class", "exam", "sat", "act", "ap ", "ib ", "honor", "major",
		"research", "math", "physics", "chemistry", "biology", "成绩", "课程", "考试", "学术", "论文",
	},
	"extracurricular": {
		"club", "team", "volunteer", "captain", "president", "competition", "sport", "music",
		"orchestra", "debate", "internship", "hackathon", "社团", "志愿", "比赛", "实习", "活动",
	},
	"personal": {
		"family", "grew up", "background", "hobby", "passion", "value", "challenge", "identity",
		"culture", "moved", "家庭", "爱好", "经历", "成长", "性格",
	},
	"essays": {
		"essay", "statement", "prompt", "draft", "story", "narrative", "why ", "文书", "申请信", "草稿",
	},
}

var questionBank = map[string][]string{
	"academic": {
		"Which courses have challenged you the most, and how did you handle them?",
		"What are your current GPA and standardized test scores?",
		"Is there an academic project or research experience you are proud of?",
		"Which subject would you like to study at university, and why?",
	},
	"extracurricular": {
		"Which activities outside class take most of your time?",
		"Have you held a leadership role? What changed because of you?",
		"Tell me about an award, competition or performance that mattered to you.",
		"How long have you been involved in your main activity, and how has your role grown?",
	},
	"personal": {
		"What is something about your background that shaped who you are?",
		"Describe a challenge you faced and what you learned from it.",
		"What do you do when you have a free afternoon?",
		"Which values matter most to you, and where do they show up in your life?",
	},
	"essays": {
		"Which essay prompts are you working on right now?",
		"What story do you want admissions readers to remember about you?",
		"Could you share a paragraph from your current draft?",
		"What feedback have you already received on your essays?",
	},
}

func heuristicEvaluate(st profile.State, ans profile.Answer) workflow.SectionUpdate {
	text := strings.TrimSpace(ans.Text)
	if text == "" {
		text = strings.TrimSpace(string(ans.Value))
	}

	existing := strings.TrimSpace(st.Sections[ans.Section].Content)
	content := text
	if existing != "" {
		content = existing + "\n" + text
	}

	words := len(strings.FieldsFunc(content, isSeparator))
	return workflow.SectionUpdate{
		Content:  content,
		Complete: words >= completeWordCount,
		Metadata: map[string]any{
			"source": "heuristic",
			"words":  words,
			"tone":   string(tone.Analyze(text).Tone),
		},
	}
}

func heuristicQuestions(st profile.State, section, seed string, n int) []string {
	if n <= 0 {
		n = 1
	}

	out := make([]string, 0, n+1)
	if seed = strings.TrimSpace(seed); seed != "" {
		out = append(out, fmt.Sprintf("You asked %q. What would you most like to show about your %s section?", truncate(seed, 80), section))
	}

	bank, ok := questionBank[section]
	if !ok {
		bank = []string{
			fmt.Sprintf("What should an admissions reader know about your %s?", section),
			fmt.Sprintf("Which example best illustrates your %s?", section),
		}
	}
	offset := st.InteractionCount % len(bank)
	for i := 0; len(out) < n && i < len(bank); i++ {
		out = append(out, bank[(offset+i)%len(bank)])
	}

	// 按上一次回答的语气调整第一个问题的口吻
	if label, _ := st.Sections[section].Metadata["tone"].(string); seed == "" && len(out) > 0 {
		if opener := tone.Opener(tone.Label(label)); opener != "" {
			out[0] = opener + " " + out[0]
		}
	}
	return out
}

func heuristicAnalyze(documentID, content string, sections []string) workflow.DocumentAnalysis {
	sentences := splitSentences(content)
	analysis := workflow.DocumentAnalysis{
		DocumentID: documentID,
		Sections:   make(map[string]string),
	}
	if len(sentences) > 0 {
		analysis.Summary = truncate(sentences[0], summaryRunes)
	}

	grouped := make(map[string][]string)
	for _, sentence := range sentences {
		if name := classify(sentence, sections); name != "" {
			grouped[name] = append(grouped[name], sentence)
		}
		if len(analysis.Highlights) < maxHighlights && strings.IndexFunc(sentence, unicode.IsDigit) >= 0 {
			analysis.Highlights = append(analysis.Highlights, sentence)
		}
	}
	for name, lines := range grouped {
		analysis.Sections[name] = strings.Join(lines, " ")
	}
	return analysis
}

// classify picks the section whose keywords score highest in sentence.
func classify(sentence string, sections []string) string {
	lowered := " " + strings.ToLower(sentence) + " "
	best, bestScore := "", 0
	for _, name := range sections {
		score := 0
		for _, kw := range sectionKeywords[name] {
			if strings.Contains(lowered, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

func heuristicRecommend(st profile.State, order []string, limit int) []workflow.Recommendation {
	recs := make([]workflow.Recommendation, 0, len(order))
	for _, name := range order {
		sec, ok := st.Sections[name]
		if !ok {
			continue
		}
		switch sec.Status {
		case profile.SectionNotStarted, "":
			recs = append(recs, workflow.Recommendation{
				Section:  name,
				Title:    fmt.Sprintf("Start your %s section", name),
				Detail:   "Answer a couple of questions or upload a document to get this section going.",
				Priority: 1,
			})
		case profile.SectionNeedsRevision:
			recs = append(recs, workflow.Recommendation{
				Section:  name,
				Title:    fmt.Sprintf("Revise your %s section", name),
				Detail:   "A reviewer asked for changes. Address their feedback before moving on.",
				Priority: 1,
			})
		case profile.SectionInProgress:
			recs = append(recs, workflow.Recommendation{
				Section:  name,
				Title:    fmt.Sprintf("Finish your %s section", name),
				Detail:   "Add specific examples, numbers and outcomes to round it out.",
				Priority: 2,
			})
		case profile.SectionCompleted:
			recs = append(recs, workflow.Recommendation{
				Section:  name,
				Title:    fmt.Sprintf("Get %s reviewed", name),
				Detail:   "This section looks complete. Ask a mentor to review and approve it.",
				Priority: 3,
			})
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// splitSentences breaks content at sentence punctuation. A period only ends
// a sentence when followed by whitespace, so decimals such as 3.9 survive.
func splitSentences(content string) []string {
	runes := []rune(content)
	var out []string
	flush := func(from, to int) {
		if part := strings.TrimSpace(string(runes[from:to])); part != "" {
			out = append(out, part)
		}
	}

	start := 0
	for i, r := range runes {
		end := false
		switch r {
		case '\n', '!', '?', '。', '！', '？':
			end = true
		case '.':
			end = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if end {
			flush(start, i)
			start = i + 1
		}
	}
	flush(start, len(runes))
	return out
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
