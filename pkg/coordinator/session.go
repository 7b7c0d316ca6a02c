package coordinator

import (
	"math/rand"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
)

// Conn is the duplex connection handle a session writes to. *websocket.Conn
// satisfies it; tests substitute a recording fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live connection: identity, role and the connection handle.
// Sessions are ephemeral and never persisted.
type Session struct {
	ID       string
	Identity auth.Identity
	Role     model.Role
	conn     Conn
}

func newSession(identity auth.Identity, role model.Role, conn Conn) *Session {
	return &Session{
		ID:       ulid.Make().String(),
		Identity: identity,
		Role:     role,
		conn:     conn,
	}
}

func (s *Session) peer() protocol.Peer {
	return protocol.Peer{
		Email: s.Identity.Email,
		Name:  s.Identity.Name,
		Color: s.Identity.Color,
		Role:  s.Role,
	}
}

// NewItemID generates a fresh item identifier. Clients may also generate
// their own; ids are opaque.
func NewItemID() string {
	return ulid.Make().String()
}

var colors = []string{"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6"}

// RandomColor picks a display color for identities that did not bring one.
func RandomColor() string {
	return colors[rand.Intn(len(colors))]
}

var _ Conn = (*websocket.Conn)(nil)
