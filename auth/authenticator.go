package auth

import (
	"context"
	"strings"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Interfaces

// Verifier checks a short-lived token presented by a client
// during the handshake. On success it returns the identity of
// the user behind the token; relays derive the session-scoped
// PeerID from it.
type Verifier interface {
	Verify(ctx context.Context, token string) (crdt.PeerID, error)
}

// Variables

var (
	// ErrInvalidToken is returned for unknown, expired or
	// otherwise unacceptable tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnavailable is returned when the backing
	// identity system could not be asked.
	ErrUnavailable = errors.New("auth backend unavailable")
)

// Functions

// UserOf returns the user part of a session PeerID of
// the form '<user>#<session>'.
func UserOf(peer crdt.PeerID) crdt.PeerID {

	if i := strings.LastIndex(string(peer), "#"); i >= 0 {
		return peer[:i]
	}

	return peer
}
