package chat

import (
	"time"

	"github.com/google/uuid"
)

// Transports a participant can be connected through.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
	TransportSSE = "sse"
)

// Participant describes a connected peer for the lifetime of its connection.
type Participant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Addr      string    `json:"addr"`
	Transport string    `json:"transport"`
	JoinedAt  time.Time `json:"joinedAt"`
}
