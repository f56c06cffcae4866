package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/handler"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/version"
	"github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/service/sentiment"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/tcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.InitLogger(cfg.Log.Level, cfg.Log.Format)

	info := version.Get()
	slog.Info("starting sentiment chat", "version", info.Version, "commit", info.Commit)

	classifier, err := newClassifier(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize sentiment backend", "backend", cfg.Sentiment.Backend, "error", err)
		os.Exit(1)
	}
	switch cfg.Sentiment.Backend {
	case config.BackendLLM:
		cfg.Sentiment.Model = cfg.AI.Model
	case config.BackendLexicon:
		cfg.Sentiment.Model = sentiment.LexiconModel
	}
	sentimentSvc := sentiment.NewService(classifier, cfg.Sentiment)
	slog.Info("sentiment backend ready", "backend", sentimentSvc.Backend(), "model", sentimentSvc.Model(), "fallback", cfg.Sentiment.Fallback)

	clock := clockwork.NewRealClock()
	hub := chat.NewHub(chat.HubOptions{
		MaxClients:  cfg.Chat.MaxClients,
		Clock:       clock,
		EvictNotice: chat.EvictNotice,
	})
	defer hub.Stop()

	chatSvc := chat.NewService(hub, sentimentSvc, chat.Options{
		AckSender: cfg.Chat.AckSender,
		Clock:     clock,
	})

	tcpServer := tcp.NewServer(cfg.Server.TCPAddr, chatSvc, cfg.Chat, clock)
	tcpErr := make(chan error, 1)
	go func() {
		err := tcpServer.ListenAndServe(ctx)
		if err != nil {
			stop()
		}
		tcpErr <- err
	}()

	router := handler.NewRouter(chatSvc, sentimentSvc, cfg.Chat, clock)
	if err := startServer(ctx, cfg.Server, router, hub); err != nil {
		slog.Error("http server error", "error", err)
		stop()
	}

	if err := <-tcpErr; err != nil {
		slog.Error("tcp server error", "error", err)
	}
	slog.Info("sentiment chat stopped")
}

// newClassifier builds the backend named by cfg.Sentiment.Backend.
func newClassifier(ctx context.Context, cfg *config.Config) (sentiment.Classifier, error) {
	switch cfg.Sentiment.Backend {
	case config.BackendHuggingFace:
		client := &http.Client{Timeout: cfg.Sentiment.Timeout + time.Second}
		return sentiment.NewHuggingFace(cfg.Sentiment.Endpoint, cfg.Sentiment.Model, cfg.Sentiment.APIToken, client), nil
	case config.BackendLLM:
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		return sentiment.NewLLM(ctx, chatModel, cfg.AI.Model)
	case config.BackendLexicon:
		return sentiment.Lexicon{}, nil
	default:
		return nil, fmt.Errorf("unknown sentiment backend %q", cfg.Sentiment.Backend)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, hub *chat.Hub) error {
	srv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(hub.Stop)

	ln, err := net.Listen("tcp", serverCfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serverCfg.HTTPAddr, err)
	}
	slog.Info("http server listening", "addr", ln.Addr().String())
	return runServer(ctx, srv, ln, serverCfg.ShutdownTimeout)
}

// runServer serves on ln until ctx ends. Request contexts derive from ctx so
// long-lived streams end with it.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
