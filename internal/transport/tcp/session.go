package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/sentiment-chat/backend/internal/limiter"
	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/wire"
)

const (
	drainTimeout = 100 * time.Millisecond
	drainLimit   = 64 << 10
)

// session is one TCP client. It is a chat Peer.
type session struct {
	id     uuid.UUID
	conn   net.Conn
	addr   string
	ip     string
	server *Server
	logger *slog.Logger

	out     chan chat.Event
	closed  chan struct{}
	mode    atomic.Int32
	limiter *limiter.MessageLimiter

	closeOnce    sync.Once
	teardownOnce sync.Once
}

var _ chatservice.Peer = (*session)(nil)

func newSession(s *Server, conn net.Conn, ip string) *session {
	addr := conn.RemoteAddr().String()
	id := uuid.New()
	return &session{
		id:      id,
		conn:    conn,
		addr:    addr,
		ip:      ip,
		server:  s,
		logger:  s.logger.With("peer", id, "addr", addr),
		out:     make(chan chat.Event, s.cfg.SendBuffer),
		closed:  make(chan struct{}),
		limiter: limiter.NewMessageLimiter(s.clock, s.cfg.RatePerSecond, s.cfg.RateBurst),
	}
}

func (c *session) ID() uuid.UUID     { return c.id }
func (c *session) Name() string      { return c.addr }
func (c *session) Addr() string      { return c.addr }
func (c *session) Transport() string { return chat.TransportTCP }

// Deliver queues event for the write pump. It reports false only when the
// buffer is full; events for a closing session are dropped.
func (c *session) Deliver(event chat.Event) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.out <- event:
		return true
	default:
		return false
	}
}

// Close shuts the socket, which ends both pumps.
func (c *session) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *session) run(ctx context.Context) {
	defer c.teardown()

	if err := c.server.chat.Join(c); err != nil {
		c.logger.Warn("join refused", "error", err)
		c.writeNow(chat.Error(joinErrorText(err)))
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	go c.writePump()

	c.readLoop(ctx)
}

func (c *session) readLoop(ctx context.Context) {
	cfg := c.server.cfg
	scanner := bufio.NewScanner(c.conn)
	initial := 4096
	if cfg.MaxLineBytes < initial {
		initial = cfg.MaxLineBytes
	}
	scanner.Buffer(make([]byte, 0, initial), cfg.MaxLineBytes)

	for {
		if cfg.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleLine(ctx, line)
	}

	err := scanner.Err()
	switch {
	case err == nil:
		c.logger.Debug("client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		c.logger.Warn("line too long, closing", "limit", cfg.MaxLineBytes)
		c.writeNow(chat.Error("line too long"))
		c.drain()
	case isTimeout(err):
		c.logger.Info("idle timeout, closing")
		c.writeNow(chat.Error("idle timeout"))
	default:
		select {
		case <-c.closed:
		default:
			c.logger.Debug("read failed", "error", err)
		}
	}
}

func (c *session) handleLine(ctx context.Context, line string) {
	if wire.Mode(c.mode.Load()) == wire.ModeUndecided {
		mode := wire.Detect(line)
		c.mode.Store(int32(mode))
		c.logger.Debug("codec detected", "json", mode == wire.ModeJSON)
	}

	if !c.limiter.Allow() {
		metrics.MessagesRateLimited.Inc()
		c.reply(chat.Error("rate limit exceeded, message dropped"))
		return
	}

	if wire.Mode(c.mode.Load()) != wire.ModeJSON {
		c.post(ctx, line)
		return
	}

	frame, err := wire.DecodeJSON([]byte(line))
	if err != nil {
		c.reply(chat.Error(err.Error()))
		return
	}
	switch frame.Type {
	case wire.FrameLogin:
		if err := c.server.chat.Login(c, frame.Username); err != nil {
			c.reply(chat.Error(err.Error()))
		}
	case wire.FramePost:
		c.post(ctx, frame.Message)
	}
}

func (c *session) post(ctx context.Context, text string) {
	if _, err := c.server.chat.Post(ctx, c, text); err != nil {
		if errors.Is(err, chatservice.ErrPeerNotFound) {
			c.Close()
			return
		}
		c.reply(chat.Error(err.Error()))
	}
}

func (c *session) reply(event chat.Event) {
	if !c.Deliver(event) {
		c.logger.Warn("send buffer full, closing")
		c.Close()
	}
}

func (c *session) writePump() {
	defer c.Close()
	for {
		select {
		case <-c.closed:
			return
		case event := <-c.out:
			if err := c.write(event); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func (c *session) write(event chat.Event) error {
	data, err := wire.Encode(wire.Mode(c.mode.Load()), event)
	if err != nil {
		c.logger.Error("failed to encode event", "kind", event.Kind, "error", err)
		return nil
	}
	if c.server.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	}
	_, err = c.conn.Write(data)
	return err
}

// writeNow bypasses the pump for the last words before a close.
func (c *session) writeNow(event chat.Event) {
	select {
	case <-c.closed:
		return
	default:
	}
	_ = c.write(event)
}

// drain discards what the client already sent so the close is a FIN rather
// than a reset that could swallow the final error line.
func (c *session) drain() {
	_ = c.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(c.conn, drainLimit))
}

func (c *session) teardown() {
	c.teardownOnce.Do(func() {
		c.server.chat.Leave(c)
		c.Close()
		c.server.limits.Release(c.ip)
	})
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

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
