package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/handler/health"
	"github.com/zhouzirui/sentiment-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/sentiment-chat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/sentiment-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	sentimentService "github.com/zhouzirui/sentiment-chat/backend/internal/service/sentiment"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, sentimentSvc *sentimentService.Service, cfg config.ChatConfig, clock clockwork.Clock) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	health.New(chatSvc.Hub(), sentimentSvc).RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		chat.New(chatSvc.Hub(), sentimentSvc).RegisterRoutes(api)
		stream.New(chatSvc, cfg.SendBuffer).RegisterRoutes(api)
	})

	ws.New(chatSvc, cfg, clock).RegisterRoutes(r)

	return r
}
