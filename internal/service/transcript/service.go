package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
)

const defaultHistoryCap = 64

var (
	ErrUserRequired = errors.New("user id is required")
	ErrEmptyContent = errors.New("turn content is empty")
	ErrUserNotFound = errors.New("user has no transcript")
)

// Service 按用户保存有上限的内存对话记录
type Service struct {
	mu      sync.RWMutex
	turns   map[string][]transcript.Turn
	history int
}

// NewService 创建内存对话记录。limit 为每个用户保留的轮数，非正数使用默认值。
func NewService(limit int) *Service {
	if limit <= 0 {
		limit = defaultHistoryCap
	}
	return &Service{
		turns:   make(map[string][]transcript.Turn),
		history: limit,
	}
}

// Append 记录一轮对话，超出上限时丢弃最早的
func (s *Service) Append(_ context.Context, turn transcript.Turn) error {
	if turn.UserID == "" {
		return ErrUserRequired
	}
	if turn.Content == "" {
		return ErrEmptyContent
	}

	turn.ID = uuid.NewString()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[turn.UserID], turn)
	if over := len(turns) - s.history; over > 0 {
		turns = append([]transcript.Turn(nil), turns[over:]...)
	}
	s.turns[turn.UserID] = turns
	return nil
}

// Load 返回 userID 对话记录的副本
func (s *Service) Load(_ context.Context, userID string) ([]transcript.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	copied := make([]transcript.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

// Recent 返回 userID 最近的至多 n 轮，按时间顺序
func (s *Service) Recent(ctx context.Context, userID string, n int) []transcript.Turn {
	turns, err := s.Load(ctx, userID)
	if err != nil {
		return nil
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}
