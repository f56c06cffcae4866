package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
)

var (
	ErrHubFull         = errors.New("chat hub is full")
	ErrHubClosed       = errors.New("chat hub is closed")
	ErrPeerNotFound    = errors.New("peer not registered")
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

const (
	commandBuffer = 256
	stopTimeout   = 10 * time.Second
)

// Peer is one connected endpoint. Deliver must not block: it returns false
// when the peer cannot take the event, and the hub then evicts it. Name is
// the name the peer registers with; the hub owns it afterwards. Close runs on
// the hub goroutine and must not call back into the hub.
type Peer interface {
	ID() uuid.UUID
	Name() string
	Addr() string
	Transport() string
	Deliver(chat.Event) bool
	Close()
}

type member struct {
	peer     Peer
	info     chat.Participant
	loggedIn bool
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	peer  Peer
	reply chan error
}

type unregisterCmd struct {
	baseHubCmd
	id    uuid.UUID
	reply chan unregisterResult
}

type unregisterResult struct {
	info chat.Participant
	ok   bool
}

type broadcastCmd struct {
	baseHubCmd
	event   chat.Event
	exclude uuid.UUID
}

type sendCmd struct {
	baseHubCmd
	id    uuid.UUID
	event chat.Event
}

type renameCmd struct {
	baseHubCmd
	id    uuid.UUID
	name  string
	login bool
	reply chan renameResult
}

type renameResult struct {
	old string
	err error
}

type lookupCmd struct {
	baseHubCmd
	id    uuid.UUID
	reply chan unregisterResult
}

type participantsCmd struct {
	baseHubCmd
	reply chan []chat.Participant
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the set of connected peers. Every mutation and every fan-out runs
// on a single goroutine, so all peers observe events in the same order.
type Hub struct {
	cmdCh      chan hubCmd
	done       chan struct{}
	clock      clockwork.Clock
	maxClients int
	count      atomic.Int64
	stopOnce   sync.Once
	logger     *slog.Logger

	// owned by run
	members map[uuid.UUID]*member
	names   map[string]uuid.UUID

	evictNotice func(chat.Participant) chat.Event
}

// HubOptions configures NewHub. Zero MaxClients means unlimited.
type HubOptions struct {
	MaxClients int
	Clock      clockwork.Clock
	// EvictNotice builds the event broadcast after a slow peer is dropped.
	// Nil disables the notice.
	EvictNotice func(chat.Participant) chat.Event
}

// NewHub starts the hub goroutine.
func NewHub(opts HubOptions) *Hub {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	h := &Hub{
		cmdCh:       make(chan hubCmd, commandBuffer),
		done:        make(chan struct{}),
		clock:       clock,
		maxClients:  opts.MaxClients,
		logger:      logging.Component("hub"),
		members:     make(map[uuid.UUID]*member),
		names:       make(map[string]uuid.UUID),
		evictNotice: opts.EvictNotice,
	}
	go h.run()
	return h
}

func (h *Hub) submit(cmd hubCmd) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Register adds peer under its current name.
func (h *Hub) Register(peer Peer) error {
	reply := make(chan error, 1)
	if !h.submit(registerCmd{peer: peer, reply: reply}) {
		return ErrHubClosed
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes the peer and reports what it was. ok is false when the
// peer was not registered, for example because it was already evicted.
func (h *Hub) Unregister(id uuid.UUID) (chat.Participant, bool) {
	reply := make(chan unregisterResult, 1)
	if !h.submit(unregisterCmd{id: id, reply: reply}) {
		return chat.Participant{}, false
	}
	select {
	case res := <-reply:
		return res.info, res.ok
	case <-h.done:
		return chat.Participant{}, false
	}
}

// Broadcast queues event for every peer except exclude. Use uuid.Nil to reach everyone.
func (h *Hub) Broadcast(event chat.Event, exclude uuid.UUID) {
	h.submit(broadcastCmd{event: event, exclude: exclude})
}

// Send queues event for a single peer.
func (h *Hub) Send(id uuid.UUID, event chat.Event) {
	h.submit(sendCmd{id: id, event: event})
}

// Rename changes a peer's display name and returns the previous one.
func (h *Hub) Rename(id uuid.UUID, name string) (string, error) {
	return h.rename(id, name, false)
}

// Login renames a peer once. A second call returns ErrAlreadyLoggedIn.
func (h *Hub) Login(id uuid.UUID, name string) (string, error) {
	return h.rename(id, name, true)
}

func (h *Hub) rename(id uuid.UUID, name string, login bool) (string, error) {
	reply := make(chan renameResult, 1)
	if !h.submit(renameCmd{id: id, name: name, login: login, reply: reply}) {
		return "", ErrHubClosed
	}
	select {
	case res := <-reply:
		return res.old, res.err
	case <-h.done:
		return "", ErrHubClosed
	}
}

// Lookup returns the participant record of a registered peer.
func (h *Hub) Lookup(id uuid.UUID) (chat.Participant, bool) {
	reply := make(chan unregisterResult, 1)
	if !h.submit(lookupCmd{id: id, reply: reply}) {
		return chat.Participant{}, false
	}
	select {
	case res := <-reply:
		return res.info, res.ok
	case <-h.done:
		return chat.Participant{}, false
	}
}

// Participants lists registered peers ordered by join time.
func (h *Hub) Participants() []chat.Participant {
	reply := make(chan []chat.Participant, 1)
	if !h.submit(participantsCmd{reply: reply}) {
		return nil
	}
	select {
	case list := <-reply:
		return list
	case <-h.done:
		return nil
	}
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Stop closes every peer and ends the hub goroutine. Later calls are no-ops.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		select {
		case h.cmdCh <- stopCmd{}:
		case <-h.done:
			return
		}

		timer := h.clock.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-h.done:
			h.logger.Info("hub stopped")
		case <-timer.Chan():
			h.logger.Warn("hub stop timed out", "timeout", stopTimeout)
		}
	})
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub panic recovered", "panic", r)
			h.closeAll()
		}
	}()

	for cmd := range h.cmdCh {
		metrics.HubCommandChannelDepth.Set(float64(len(h.cmdCh)))

		switch c := cmd.(type) {
		case registerCmd:
			c.reply <- h.handleRegister(c.peer)
		case unregisterCmd:
			info, ok := h.remove(c.id)
			c.reply <- unregisterResult{info: info, ok: ok}
		case broadcastCmd:
			h.fanOut(c.event, c.exclude)
		case sendCmd:
			h.sendTo(c.id, c.event)
		case renameCmd:
			old, err := h.handleRename(c.id, c.name, c.login)
			c.reply <- renameResult{old: old, err: err}
		case lookupCmd:
			m, ok := h.members[c.id]
			if ok {
				c.reply <- unregisterResult{info: m.info, ok: true}
			} else {
				c.reply <- unregisterResult{}
			}
		case participantsCmd:
			c.reply <- h.snapshot()
		case stopCmd:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) handleRegister(peer Peer) error {
	if h.maxClients > 0 && len(h.members) >= h.maxClients {
		return ErrHubFull
	}
	if _, exists := h.members[peer.ID()]; exists {
		return fmt.Errorf("peer %s already registered", peer.ID())
	}
	key := nameKey(peer.Name())
	if _, taken := h.names[key]; taken {
		return ErrUsernameTaken
	}

	info := chat.Participant{
		ID:        peer.ID(),
		Name:      peer.Name(),
		Addr:      peer.Addr(),
		Transport: peer.Transport(),
		JoinedAt:  h.clock.Now().UTC(),
	}
	h.members[peer.ID()] = &member{peer: peer, info: info}
	h.names[key] = peer.ID()
	h.count.Store(int64(len(h.members)))

	metrics.ConnectionsCurrent.WithLabelValues(info.Transport).Inc()
	h.logger.Debug("peer registered", "peer", info.ID, "name", info.Name, "transport", info.Transport)
	return nil
}

func (h *Hub) remove(id uuid.UUID) (chat.Participant, bool) {
	m, ok := h.members[id]
	if !ok {
		return chat.Participant{}, false
	}
	delete(h.members, id)
	delete(h.names, nameKey(m.info.Name))
	h.count.Store(int64(len(h.members)))

	metrics.ConnectionsCurrent.WithLabelValues(m.info.Transport).Dec()
	h.logger.Debug("peer unregistered", "peer", id, "name", m.info.Name)
	return m.info, true
}

func (h *Hub) handleRename(id uuid.UUID, name string, login bool) (string, error) {
	m, ok := h.members[id]
	if !ok {
		return "", ErrPeerNotFound
	}
	if login && m.loggedIn {
		return "", ErrAlreadyLoggedIn
	}

	key := nameKey(name)
	if owner, taken := h.names[key]; taken && owner != id {
		return "", ErrUsernameTaken
	}

	old := m.info.Name
	delete(h.names, nameKey(old))
	h.names[key] = id
	m.info.Name = name
	if login {
		m.loggedIn = true
	}
	return old, nil
}

// fanOut delivers event to every member but exclude. Peers that cannot keep
// up are evicted, and their leave notice goes through the same loop.
func (h *Hub) fanOut(event chat.Event, exclude uuid.UUID) {
	type pending struct {
		event   chat.Event
		exclude uuid.UUID
	}
	queue := []pending{{event: event, exclude: exclude}}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		var slow []uuid.UUID
		for id, m := range h.members {
			if id == next.exclude {
				continue
			}
			if m.peer.Deliver(next.event) {
				metrics.EventsDelivered.WithLabelValues(string(next.event.Kind)).Inc()
				continue
			}
			slow = append(slow, id)
		}

		for _, id := range slow {
			info, ok := h.evict(id)
			if ok && h.evictNotice != nil && info.Transport != chat.TransportSSE {
				queue = append(queue, pending{event: h.evictNotice(info), exclude: id})
			}
		}
	}
}

func (h *Hub) sendTo(id uuid.UUID, event chat.Event) {
	m, ok := h.members[id]
	if !ok {
		return
	}
	if m.peer.Deliver(event) {
		metrics.EventsDelivered.WithLabelValues(string(event.Kind)).Inc()
		return
	}
	info, ok := h.evict(id)
	if ok && h.evictNotice != nil && info.Transport != chat.TransportSSE {
		h.fanOut(h.evictNotice(info), id)
	}
}

func (h *Hub) evict(id uuid.UUID) (chat.Participant, bool) {
	m, ok := h.members[id]
	if !ok {
		return chat.Participant{}, false
	}
	info, _ := h.remove(id)
	m.peer.Close()

	metrics.SlowPeersEvicted.Inc()
	h.logger.Warn("evicted slow peer", "peer", id, "name", info.Name, "addr", info.Addr)
	return info, true
}

func (h *Hub) snapshot() []chat.Participant {
	list := make([]chat.Participant, 0, len(h.members))
	for _, m := range h.members {
		list = append(list, m.info)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

func (h *Hub) closeAll() {
	for id, m := range h.members {
		metrics.ConnectionsCurrent.WithLabelValues(m.info.Transport).Dec()
		m.peer.Close()
		delete(h.members, id)
	}
	h.names = make(map[string]uuid.UUID)
	h.count.Store(0)
}

func nameKey(name string) string {
	return strings.ToLower(name)
}
