package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/handler/admin"
	"github.com/zhouzirui/z-profile/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/z-profile/backend/internal/middleware"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/service/ratelimit"
)

// Deps HTTP 层依赖的服务
type Deps struct {
	Sessions    admin.Sessions
	Transcripts admin.Transcripts
	// Limiter 保护 /api 路由组，为 nil 时不限流
	Limiter   middlewarePkg.Admitter
	WebSocket *ws.Handler
	Logger    *zap.Logger
}

// NewRouter 将 HTTP 路由挂到核心服务上
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger).Named("http")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// 频率限制在 WebSocket 内按帧执行，这里不重复。
	if deps.WebSocket != nil {
		deps.WebSocket.RegisterRoutes(r)
	}

	adminHandler := admin.New(deps.Sessions, deps.Transcripts)
	r.Route("/api", func(api chi.Router) {
		if deps.Limiter != nil {
			api.Use(middlewarePkg.RateLimit(deps.Limiter, ratelimit.ResolveIdentity))
		}
		adminHandler.RegisterRoutes(api)
	})

	return r
}
