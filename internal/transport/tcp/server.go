package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/limiter"
	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/wire"
)

const (
	rejectWriteTimeout = time.Second
	maxAcceptBackoff   = time.Second
)

// Server accepts line-oriented chat clients.
type Server struct {
	addr   string
	chat   *chatservice.Service
	cfg    config.ChatConfig
	limits *limiter.ConnectionLimits
	clock  clockwork.Clock
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewServer builds a server for addr. clock may be nil.
func NewServer(addr string, svc *chatservice.Service, cfg config.ChatConfig, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		addr: addr,
		chat: svc,
		cfg:  cfg,
		limits: limiter.NewConnectionLimits(limiter.Limits{
			MaxClients: cfg.MaxClients,
			MaxPerIP:   cfg.MaxPerIP,
			AcceptRate: cfg.AcceptRate,
			Clock:      clock,
		}),
		clock:  clock,
		logger: logging.Component("tcp"),
	}
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then closes every session and
// waits for them to finish. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("chat listener started", "addr", ln.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("chat listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				s.clock.Sleep(backoff)
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		ip := hostOf(conn.RemoteAddr())
		if ok, reason := s.limits.Acquire(ip); !ok {
			s.reject(conn, reason)
			continue
		}

		sess := newSession(s, conn, ip)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}
}

func (s *Server) reject(conn net.Conn, reason limiter.LimitReason) {
	metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
	s.logger.Warn("connection rejected", "addr", conn.RemoteAddr().String(), "reason", reason)

	data, _ := wire.Encode(wire.ModeText, chat.Error(reason.Message()))
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	_, _ = conn.Write(data)
	_ = conn.Close()
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
