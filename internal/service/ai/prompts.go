package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
)

const coachPersona = "You are a patient admissions coach helping a student build a university application profile. Be concrete, encouraging and brief."

const evaluatePrompt = coachPersona + `
Task: fold the student's latest answer into the named profile section.
Return only one JSON object with the fields:
content (string, the rewritten section text combining the existing content and the new answer),
complete (boolean, true when the section has enough substance to stop asking),
score (number between 0 and 1 rating the section quality),
notes (string, one sentence on what is still missing).`

const questionsPrompt = coachPersona + `
Task: ask the next questions for the named profile section.
Ask at most %d short, open questions that build on what the student already shared.
Return only one JSON object with the field questions (array of strings).`

const documentPrompt = coachPersona + `
Task: read the uploaded document and extract material for the profile sections: %s.
Return only one JSON object with the fields:
summary (string, two sentences),
sections (object mapping section name to extracted text; omit sections with nothing relevant),
highlights (array of strings, the most impressive facts).`

const recommendPrompt = coachPersona + `
Task: suggest the most valuable next improvements to the profile.
Give at most %d recommendations.
Return only one JSON object with the field recommendations, an array of objects with
section (string), title (string), detail (string) and priority (integer, 1 is most urgent).`

func questionsSystem(n int) string { return fmt.Sprintf(questionsPrompt, n) }

func documentSystem(sections []string) string {
	return fmt.Sprintf(documentPrompt, strings.Join(sections, ", "))
}

func recommendSystem(limit int) string { return fmt.Sprintf(recommendPrompt, limit) }

// describeState renders the parts of the profile a prompt needs.
func describeState(st profile.State, order []string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Profile status: %s. Current section: %s.\n", st.Status, st.CurrentSection))
	for _, name := range order {
		sec, ok := st.Sections[name]
		if !ok {
			continue
		}
		builder.WriteString("- ")
		builder.WriteString(name)
		builder.WriteString(" [")
		builder.WriteString(string(sec.Status))
		builder.WriteString("]")
		if content := strings.TrimSpace(sec.Content); content != "" {
			builder.WriteString(": ")
			builder.WriteString(truncate(content, 400))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
