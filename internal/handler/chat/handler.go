package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/service/sentiment"
	"github.com/zhouzirui/sentiment-chat/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Roster lists the connected participants.
type Roster interface {
	Participants() []chat.Participant
}

// Analyzer labels a text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (chat.Sentiment, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	roster   Roster
	analyzer Analyzer
}

// New 创建聊天处理器
func New(roster Roster, analyzer Analyzer) *Handler {
	return &Handler{
		roster:   roster,
		analyzer: analyzer,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/participants", h.handleParticipants)
	r.Post("/sentiment", h.handleSentiment)
}

func (h *Handler) handleParticipants(w http.ResponseWriter, r *http.Request) {
	list := h.roster.Participants()
	if list == nil {
		list = []chat.Participant{}
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

// handleSentiment runs the chat analyzer on an arbitrary text.
func (h *Handler) handleSentiment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.analyzer.Analyze(r.Context(), payload.Text)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, result)
	case errors.Is(err, sentiment.ErrEmptyText):
		utils.RespondError(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, sentiment.ErrUnavailable):
		utils.RespondError(w, http.StatusServiceUnavailable, "sentiment analysis unavailable")
	default:
		slog.Error("sentiment request failed", "component", "http", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "sentiment analysis failed")
	}
}
