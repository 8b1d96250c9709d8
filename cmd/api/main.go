package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-profile/backend/internal/config"
	"github.com/zhouzirui/z-profile/backend/internal/handler"
	"github.com/zhouzirui/z-profile/backend/internal/handler/ws"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
	"github.com/zhouzirui/z-profile/backend/internal/service/ai"
	"github.com/zhouzirui/z-profile/backend/internal/service/protocol"
	"github.com/zhouzirui/z-profile/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-profile/backend/internal/service/session"
	"github.com/zhouzirui/z-profile/backend/internal/service/transcript"
	"github.com/zhouzirui/z-profile/backend/internal/service/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	catalog := cfg.Profile.Catalog()

	var chatModel model.BaseChatModel
	if cfg.AI.Enabled() {
		cm, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			logger.Warn("failed to initialize chat model, continuing with heuristics - 请检查 Ark 模型相关环境变量", zap.Error(err))
		} else {
			chatModel = cm
			logger.Info("chat model initialized", zap.String("model", cfg.AI.Model))
		}
	} else {
		logger.Info("Ark 凭证未配置，使用启发式规则")
	}

	transcripts := transcript.NewService(0)
	aiSvc, err := ai.NewService(ctx, chatModel, transcripts, ai.Config{Catalog: catalog}, logger)
	if err != nil {
		return fmt.Errorf("init ai service: %w", err)
	}

	engine, err := workflow.NewEngine(ctx, workflow.Config{Catalog: catalog, Timeout: 30 * time.Second}, aiSvc, aiSvc, aiSvc, transcripts, logger)
	if err != nil {
		return fmt.Errorf("init workflow engine: %w", err)
	}

	router := session.NewRouter()
	protocol.RegisterHandlers(router, workflow.NewReducer(catalog), logger)
	manager := session.NewManager(session.Config{MailboxSize: cfg.WebSocket.MailboxSize}, engine, router, logger)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	go limiter.Run(ctx)

	wsHandler := ws.NewHandler(ws.Config{
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		PingTimeout:  cfg.WebSocket.PingTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		APIKeys:      cfg.Auth.APIKeys,
		Sections:     catalog.Names(),
	}, manager, limiter, logger)

	httpHandler := handler.NewRouter(handler.Deps{
		Sessions:    manager,
		Transcripts: transcripts,
		Limiter:     limiter,
		WebSocket:   wsHandler,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("profile backend listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("sections", catalog.Names()),
		zap.Bool("ai_enabled", aiSvc.Enabled()),
	)
	serveErr := runServer(ctx, srv)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	return serveErr
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
