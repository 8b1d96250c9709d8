package transcript

import "time"

// Role 发言方
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn 画像对话中的一轮发言，用于提示词历史与审计。
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Section   string    `json:"section,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
