package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
)

var (
	ErrInvalidUsername = errors.New("username must be 1-32 characters without control characters")
	// ErrAddressUsername guards the host:port names peers start with.
	ErrAddressUsername = errors.New("username must not look like a network address")
)

const maxUsernameRunes = 32

// Chat commands recognised in message text.
const (
	CommandWho  = "/who"
	CommandQuit = "/quit"
	CommandNick = "/nick"
)

// Analyzer labels the sentiment of a text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (chat.Sentiment, error)
}

// Options tunes the chat service.
type Options struct {
	// AckSender sends the poster a server_response carrying its own sentiment.
	AckSender bool
	Clock     clockwork.Clock
}

// Service implements joining, leaving, naming and posting on top of a Hub.
type Service struct {
	hub       *Hub
	analyzer  Analyzer
	clock     clockwork.Clock
	ackSender bool
	logger    *slog.Logger
}

// NewService wires the hub to the analyzer.
func NewService(hub *Hub, analyzer Analyzer, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		hub:       hub,
		analyzer:  analyzer,
		clock:     clock,
		ackSender: opts.AckSender,
		logger:    logging.Component("chat"),
	}
}

// Hub exposes the underlying hub for read-only callers.
func (s *Service) Hub() *Hub { return s.hub }

// JoinNotice and LeaveNotice are the notifications other peers receive.
func JoinNotice(name string) chat.Event {
	return chat.Notification(fmt.Sprintf("Client %s has joined the chat", name))
}

func LeaveNotice(name string) chat.Event {
	return chat.Notification(fmt.Sprintf("Client %s has left the chat", name))
}

// EvictNotice adapts LeaveNotice for HubOptions.EvictNotice.
func EvictNotice(p chat.Participant) chat.Event {
	return LeaveNotice(p.Name)
}

// Join registers peer and announces it to everyone else. Observers join silently.
func (s *Service) Join(peer Peer) error {
	if err := s.hub.Register(peer); err != nil {
		return err
	}
	metrics.ConnectionsTotal.WithLabelValues(peer.Transport()).Inc()
	s.logger.Info("peer joined", "peer", peer.ID(), "addr", peer.Addr(), "transport", peer.Transport())

	if peer.Transport() != chat.TransportSSE {
		s.hub.Broadcast(JoinNotice(peer.Name()), peer.ID())
	}
	return nil
}

// Leave unregisters peer and announces the departure. Calling it for a peer
// that is already gone is a no-op.
func (s *Service) Leave(peer Peer) {
	info, ok := s.hub.Unregister(peer.ID())
	if !ok {
		return
	}
	metrics.ConnectionDuration.Observe(s.clock.Since(info.JoinedAt).Seconds())
	s.logger.Info("peer left", "peer", info.ID, "name", info.Name, "addr", info.Addr)

	if info.Transport != chat.TransportSSE {
		s.hub.Broadcast(LeaveNotice(info.Name), info.ID)
	}
}

// Login names peer. It can only happen once per connection.
func (s *Service) Login(peer Peer, username string) error {
	name, err := ValidateUsername(username)
	if err != nil {
		return err
	}

	old, err := s.hub.Login(peer.ID(), name)
	if err != nil {
		return err
	}
	if old != name {
		s.hub.Broadcast(chat.Notification(fmt.Sprintf("%s is now known as %s", old, name)), uuid.Nil)
	}
	s.logger.Info("peer logged in", "peer", peer.ID(), "name", name)
	return nil
}

// ValidateUsername trims raw and checks its length and characters.
func ValidateUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || utf8.RuneCountInString(name) > maxUsernameRunes {
		return "", ErrInvalidUsername
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return "", ErrInvalidUsername
		}
	}
	if _, port, err := net.SplitHostPort(name); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err == nil {
			return "", ErrAddressUsername
		}
	}
	return name, nil
}

// Post handles one line of input from peer. Blank text is ignored and a nil
// message is returned for commands.
func (s *Service) Post(ctx context.Context, peer Peer, text string) (*chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	info, ok := s.hub.Lookup(peer.ID())
	if !ok {
		return nil, ErrPeerNotFound
	}

	prefix := CommandNick + " "
	if len(text) > len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
		return nil, s.Login(peer, text[len(prefix):])
	}

	switch strings.ToLower(text) {
	case CommandWho:
		s.hub.Send(peer.ID(), chat.Response(s.who(), nil))
		return nil, nil
	case CommandQuit:
		peer.Close()
		return nil, nil
	}

	msg := &chat.Message{
		ID:        uuid.New(),
		SenderID:  info.ID,
		Sender:    info.Name,
		Content:   text,
		CreatedAt: s.clock.Now().UTC(),
	}

	sentiment, err := s.analyzer.Analyze(ctx, text)
	if err != nil {
		s.logger.Warn("sentiment analysis failed", "peer", info.ID, "error", err)
		msg.AnalysisFailed = true
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
	} else {
		msg.Sentiment = &sentiment
		metrics.MessagesTotal.WithLabelValues(strings.ToLower(sentiment.Label)).Inc()
	}

	s.hub.Broadcast(chat.ChatMessage(msg), info.ID)
	if s.ackSender {
		s.hub.Send(info.ID, chat.Response(ackText(msg), msg))
	}
	return msg, nil
}

func (s *Service) who() string {
	list := s.hub.Participants()
	names := make([]string, 0, len(list))
	for _, p := range list {
		if p.Transport == chat.TransportSSE {
			continue
		}
		names = append(names, p.Name)
	}
	return fmt.Sprintf("%d connected: %s", len(names), strings.Join(names, ", "))
}

func ackText(msg *chat.Message) string {
	if msg.AnalysisFailed {
		return "Message delivered, sentiment analysis failed"
	}
	return fmt.Sprintf("Message delivered, sentiment %s (%.2f)", msg.Sentiment.Label, msg.Sentiment.Score)
}
