// Package session bridges the suspend/resume boundary of the authorization
// flow: it associates a browser session with its pending engine ticket and
// the subject that authenticated during the interaction.
package session

import (
	"context"

	"github.com/google/uuid"
)

// Ticket is the pending-authorization state bound to one browser session
type Ticket struct {
	// ID is the opaque ticket issued by the decision engine
	ID string `json:"id"`
	// ClientName is the display name shown on the login and consent pages
	ClientName string `json:"client_name"`
	// ProposedSubject is the subject proposed by the original, unauthenticated
	// request, if any
	ProposedSubject string `json:"proposed_subject,omitempty"`
}

// Store is the session ticket store. A ticket is visible only to the session
// that created it. Lookups for unknown sessions report absence, never failure.
// Implementations expire entries after the configured session TTL.
type Store interface {
	// Bind associates a ticket with a session, replacing any previous one
	Bind(ctx context.Context, sessionID string, ticket Ticket) error

	// Ticket returns the session's pending ticket, if any
	Ticket(ctx context.Context, sessionID string) (Ticket, bool, error)

	// ClearTicket invalidates the session's pending ticket, keeping the
	// authenticated subject
	ClearTicket(ctx context.Context, sessionID string) error

	// SetSubject records the subject that authenticated during this session
	SetSubject(ctx context.Context, sessionID, subject string) error

	// Subject returns the session's authenticated subject, if any
	Subject(ctx context.Context, sessionID string) (string, bool, error)
}

// NewSessionID mints an unguessable browser session identifier
func NewSessionID() string {
	return uuid.NewString()
}
