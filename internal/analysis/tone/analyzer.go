// Package tone 根据学生回答的措辞判断语气，供教练追问时调整口吻。
package tone

import (
	"math"
	"strings"
)

// Label 表示识别出的回答语气。
type Label string

const (
	Neutral      Label = "neutral"
	Confident    Label = "confident"
	Uncertain    Label = "uncertain"
	Anxious      Label = "anxious"
	Enthusiastic Label = "enthusiastic"
)

// Decision 给出语气识别结果以及强度(1-5)。
type Decision struct {
	Tone      Label   `json:"tone"`
	Intensity float64 `json:"intensity"`
	Score     int     `json:"score"`
}

var keywordBuckets = map[Label][]string{
	Confident: {
		"i led", "i founded", "i built", "i organized", "i won", "i achieved", "proud", "successfully",
		"我带领", "我创办", "我组织", "获得", "成功", "自豪", "负责",
	},
	Uncertain: {
		"maybe", "i guess", "not sure", "i think", "kind of", "sort of", "probably", "don't know",
		"可能", "也许", "不确定", "大概", "说不清", "好像",
	},
	Anxious: {
		"worried", "nervous", "stressed", "afraid", "scared", "overwhelmed", "behind", "not good enough",
		"担心", "紧张", "焦虑", "害怕", "压力", "来不及", "不够好",
	},
	Enthusiastic: {
		"love", "passionate", "excited", "can't wait", "amazing", "fascinating", "dream",
		"热爱", "喜欢", "激动", "期待", "着迷", "梦想",
	},
}

// Analyze 推断一段回答的语气。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Tone: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	if n := strings.Count(text, "!") + strings.Count(text, "！"); n > 0 {
		scores[Enthusiastic] += 2 * n
	}
	if n := strings.Count(text, "?") + strings.Count(text, "？"); n > 0 {
		scores[Uncertain] += n
	}

	best, bestScore := Neutral, 0
	for _, label := range []Label{Anxious, Uncertain, Enthusiastic, Confident} {
		if scores[label] > bestScore {
			best, bestScore = label, scores[label]
		}
	}
	if bestScore == 0 {
		return Decision{Tone: Neutral}
	}

	intensity := 1 + float64(bestScore)/4
	intensity = math.Min(5, intensity)
	return Decision{Tone: best, Intensity: intensity, Score: bestScore}
}

// Opener 返回与语气相配的追问开场白，中性时为空。
func Opener(l Label) string {
	switch l {
	case Anxious:
		return "No pressure, we'll take this one step at a time."
	case Uncertain:
		return "That's a good start, let's make it concrete."
	case Enthusiastic:
		return "I can hear how much this matters to you."
	case Confident:
		return "Great, let's capture the impact clearly."
	default:
		return ""
	}
}
