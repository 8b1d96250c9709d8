package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/model/message"
	"github.com/zhouzirui/z-profile/backend/internal/model/transcript"
	"github.com/zhouzirui/z-profile/backend/internal/service/session"
	transcriptService "github.com/zhouzirui/z-profile/backend/internal/service/transcript"
	"github.com/zhouzirui/z-profile/backend/pkg/utils"
)

// Sessions is the registry view the handler needs.
type Sessions interface {
	Count() int
	Sessions() []session.Info
	Broadcast(ctx context.Context, env message.Envelope, exclude ...string) (int, error)
}

// Transcripts reads stored conversation turns.
type Transcripts interface {
	Load(ctx context.Context, userID string) ([]transcript.Turn, error)
}

// Handler 运维与查询接口的HTTP处理器
type Handler struct {
	sessions    Sessions
	transcripts Transcripts
	started     time.Time
}

// New 创建处理器
func New(sessions Sessions, transcripts Transcripts) *Handler {
	return &Handler{
		sessions:    sessions,
		transcripts: transcripts,
		started:     time.Now(),
	}
}

// RegisterRoutes 注册相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/sessions", h.handleListSessions)
	r.Post("/broadcast", h.handleBroadcast)
	r.Get("/users/{userID}/transcript", h.handleTranscript)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Count(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.Sessions()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"count":    len(list),
		"sessions": list,
	})
}

// handleBroadcast 向所有在线会话推送一条消息
func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message map[string]any `json:"message"`
		Exclude []string       `json:"exclude"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := message.FromMap(payload.Message)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Timestamp == "" {
		env.Timestamp = message.Now()
	}

	delivered, err := h.sessions.Broadcast(r.Context(), env, payload.Exclude...)
	if err != nil {
		status := http.StatusInternalServerError
		if errs.KindOf(err) == errs.KindValidation {
			status = http.StatusBadRequest
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// handleTranscript 返回用户的对话记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	turns, err := h.transcripts.Load(r.Context(), userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transcriptService.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"turns":  turns,
	})
}
