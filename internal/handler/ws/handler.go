package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/limiter"
	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
	chatservice "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/wire"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Handler upgrades HTTP requests to WebSocket chat peers speaking JSON frames.
type Handler struct {
	chat     *chatservice.Service
	cfg      config.ChatConfig
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates the WebSocket handler.
func New(chatSvc *chatservice.Service, cfg config.ChatConfig, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		chat:  chatSvc,
		cfg:   cfg,
		clock: clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logging.Component("ws"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type peer struct {
	id     uuid.UUID
	addr   string
	conn   *websocket.Conn
	logger *slog.Logger

	out       chan chat.Event
	closed    chan struct{}
	closeOnce sync.Once
	limiter   *limiter.MessageLimiter
}

var _ chatservice.Peer = (*peer)(nil)

func (p *peer) ID() uuid.UUID     { return p.id }
func (p *peer) Name() string      { return p.addr }
func (p *peer) Addr() string      { return p.addr }
func (p *peer) Transport() string { return chat.TransportWS }

func (p *peer) Deliver(event chat.Event) bool {
	select {
	case <-p.closed:
		return true
	case p.out <- event:
		return true
	default:
		return false
	}
}

func (p *peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.New()
	addr := conn.RemoteAddr().String()
	p := &peer{
		id:      id,
		addr:    addr,
		conn:    conn,
		logger:  h.logger.With("peer", id, "addr", addr),
		out:     make(chan chat.Event, max(h.cfg.SendBuffer, 1)),
		closed:  make(chan struct{}),
		limiter: limiter.NewMessageLimiter(h.clock, h.cfg.RatePerSecond, h.cfg.RateBurst),
	}

	if err := h.chat.Join(p); err != nil {
		p.logger.Warn("join rejected", "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(wire.ToFrame(chat.Error(joinErrorText(err))))
		_ = conn.Close()
		return
	}
	defer func() {
		h.chat.Leave(p)
		p.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(p)
	h.readLoop(ctx, p)
}

func (h *Handler) readLoop(ctx context.Context, p *peer) {
	if h.cfg.MaxLineBytes > 0 {
		p.conn.SetReadLimit(int64(h.cfg.MaxLineBytes))
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(ctx, p, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, p *peer, data []byte) {
	if !p.limiter.Allow() {
		metrics.MessagesRateLimited.Inc()
		p.reply(chat.Error("rate limit exceeded, message dropped"))
		return
	}

	frame, err := wire.DecodeJSON(data)
	if err != nil {
		p.reply(chat.Error(err.Error()))
		return
	}

	switch frame.Type {
	case wire.FrameLogin:
		if err := h.chat.Login(p, frame.Username); err != nil {
			p.reply(chat.Error(err.Error()))
		}
	case wire.FramePost:
		if _, err := h.chat.Post(ctx, p, frame.Message); err != nil {
			if errors.Is(err, chatservice.ErrPeerNotFound) {
				p.Close()
				return
			}
			p.reply(chat.Error(err.Error()))
		}
	}
}

func (p *peer) reply(event chat.Event) {
	if !p.Deliver(event) {
		p.logger.Warn("send buffer full, closing")
		p.Close()
	}
}

// writePump is the only writer on the connection.
func (h *Handler) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case <-p.closed:
			return
		case event := <-p.out:
			h.setWriteDeadline(p)
			if err := p.conn.WriteJSON(wire.ToFrame(event)); err != nil {
				p.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			h.setWriteDeadline(p)
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) setWriteDeadline(p *peer) {
	if h.cfg.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	}
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, chatservice.ErrHubFull):
		return "server is full, try again later"
	case errors.Is(err, chatservice.ErrHubClosed):
		return "server is shutting down"
	default:
		return "unable to join the chat"
	}
}
