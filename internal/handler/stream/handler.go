package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
	chatservice "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/wire"
	"github.com/zhouzirui/sentiment-chat/backend/pkg/utils"
)

const defaultKeepAlive = 15 * time.Second

// Handler streams every hub event to read-only observers over Server-Sent Events.
type Handler struct {
	chat      *chatservice.Service
	buffer    int
	keepAlive time.Duration
	logger    *slog.Logger
}

// New creates a stream handler. buffer bounds each observer's backlog.
func New(chatSvc *chatservice.Service, buffer int) *Handler {
	if buffer < 1 {
		buffer = 64
	}
	return &Handler{
		chat:      chatSvc,
		buffer:    buffer,
		keepAlive: defaultKeepAlive,
		logger:    logging.Component("sse"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

// observer is a chat peer that only receives.
type observer struct {
	id        uuid.UUID
	addr      string
	events    chan chat.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newObserver(addr string, buffer int) *observer {
	return &observer{
		id:     uuid.New(),
		addr:   addr,
		events: make(chan chat.Event, buffer),
		closed: make(chan struct{}),
	}
}

func (o *observer) ID() uuid.UUID     { return o.id }
func (o *observer) Name() string      { return "observer-" + o.id.String()[:8] }
func (o *observer) Addr() string      { return o.addr }
func (o *observer) Transport() string { return chat.TransportSSE }

func (o *observer) Deliver(event chat.Event) bool {
	select {
	case <-o.closed:
		return true
	case o.events <- event:
		return true
	default:
		return false
	}
}

func (o *observer) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	obs := newObserver(r.RemoteAddr, h.buffer)
	if err := h.chat.Join(obs); err != nil {
		h.logger.Warn("observer rejected", "addr", r.RemoteAddr, "error", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "chat unavailable")
		return
	}
	defer h.chat.Leave(obs)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "connected"); err != nil {
		return
	}
	h.logger.Info("observer connected", "peer", obs.id, "addr", obs.addr)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("observer disconnected", "peer", obs.id)
			return
		case <-obs.closed:
			h.logger.Info("observer closed by hub", "peer", obs.id)
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "ping"); err != nil {
				return
			}
		case event := <-obs.events:
			if err := utils.SendSSEEvent(w, flusher, string(event.Kind), wire.ToFrame(event)); err != nil {
				h.logger.Debug("observer write failed", "peer", obs.id, "error", err)
				return
			}
		}
	}
}
