package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/version"
	"github.com/zhouzirui/sentiment-chat/backend/pkg/utils"
)

// Counter reports connected clients.
type Counter interface {
	Count() int
}

// SentimentStatus describes the classifier in use.
type SentimentStatus interface {
	Backend() string
	Model() string
	BreakerState() string
}

type Handler struct {
	clients   Counter
	sentiment SentimentStatus
}

func New(clients Counter, sentiment SentimentStatus) *Handler {
	return &Handler{clients: clients, sentiment: sentiment}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
}

type sentimentInfo struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Breaker string `json:"breaker"`
}

type response struct {
	Status    string        `json:"status"`
	Clients   int           `json:"clients"`
	Sentiment sentimentInfo `json:"sentiment"`
	Version   version.Info  `json:"version"`
}

// handleHealth answers 200 while the process serves. An open breaker is
// reported but does not fail the check.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, response{
		Status:  "ok",
		Clients: h.clients.Count(),
		Sentiment: sentimentInfo{
			Backend: h.sentiment.Backend(),
			Model:   h.sentiment.Model(),
			Breaker: h.sentiment.BreakerState(),
		},
		Version: version.Get(),
	})
}
