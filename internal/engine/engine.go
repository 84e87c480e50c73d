// Package engine defines the decision engine contract: the external
// collaborator that owns OAuth semantic validation and artifact issuance.
//
// The front never interprets OAuth parameters itself. It forwards raw request
// parameters to the engine and dispatches on the returned Action. Two
// implementations exist: HTTPEngine talks to a remote engine's REST API, and
// LocalEngine is a deterministic in-process substitute. The choice is made at
// composition time from config, never by runtime sniffing.
package engine

import (
	"context"
	"errors"
)

// ActionKind discriminates the engine's response variants. The set is closed:
// orchestrators dispatch over every kind they can receive, and an unknown kind
// is a protocol violation, never a silent success.
type ActionKind string

const (
	// ActionLocation instructs the front to redirect to ResponseContent.
	// The URL may carry an authorization code or an error, decided by the engine.
	ActionLocation ActionKind = "LOCATION"
	// ActionForm instructs the front to serve ResponseContent as HTML verbatim
	ActionForm ActionKind = "FORM"
	// ActionInteraction suspends the authorization: the front must bind Ticket
	// to the browser session and obtain login + consent before resuming
	ActionInteraction ActionKind = "INTERACTION"
	// ActionNoInteraction means the engine already knows the subject; the front
	// issues immediately without user interaction
	ActionNoInteraction ActionKind = "NO_INTERACTION"
	// ActionOK carries a JSON payload to relay with 200
	ActionOK ActionKind = "OK"
	// ActionPassword asks the front to verify resource owner credentials
	// locally and then resolve Ticket via IssueToken or FailToken
	ActionPassword ActionKind = "PASSWORD"
	// ActionBadRequest carries an engine error payload to relay with 400
	ActionBadRequest ActionKind = "BAD_REQUEST"
	// ActionInternalError carries an engine error payload to relay with 500
	ActionInternalError ActionKind = "INTERNAL_SERVER_ERROR"
)

// Action is the discriminated result of a decision engine call. Which fields
// are populated depends on Kind.
type Action struct {
	Kind ActionKind

	// ResponseContent is a redirect URL (LOCATION), an HTML document (FORM),
	// or a JSON payload (OK, BAD_REQUEST, INTERNAL_SERVER_ERROR)
	ResponseContent string

	// Ticket identifies the suspended transaction (INTERACTION, NO_INTERACTION, PASSWORD)
	Ticket string

	// ClientName is the display name of the requesting client (INTERACTION)
	ClientName string

	// Subject is the engine-determined subject (NO_INTERACTION) or the subject
	// proposed by the original, unauthenticated request (INTERACTION)
	Subject string
}

// FailReason enumerates why a suspended authorization is being failed
type FailReason string

const (
	FailDenied           FailReason = "DENIED"
	FailServerError      FailReason = "SERVER_ERROR"
	FailNotAuthenticated FailReason = "NOT_AUTHENTICATED"
)

// TokenFailReason enumerates why a suspended token request is being failed
type TokenFailReason string

const (
	TokenFailInvalidResourceOwnerCredentials TokenFailReason = "INVALID_RESOURCE_OWNER_CREDENTIALS"
)

// ClientCredentials carries client authentication extracted from the token
// request. Nil credentials are the anonymous public-client case, which the
// engine itself validates.
type ClientCredentials struct {
	ID     string
	Secret string
}

var (
	// ErrEngineUnavailable marks transport-level failures reaching the engine.
	// Orchestrators report a generic 500 for the affected request only.
	ErrEngineUnavailable = errors.New("decision engine unavailable")

	// ErrTicketConsumed is returned when issue or fail is called for a ticket
	// that has already been resolved
	ErrTicketConsumed = errors.New("ticket already consumed")
)

// Engine is the decision engine contract. All calls are blocking I/O and honor
// ctx cancellation. Well-formed engine error responses surface as BAD_REQUEST
// or INTERNAL_SERVER_ERROR actions, not Go errors; errors are reserved for
// transport failures and consumed tickets.
type Engine interface {
	// ProcessAuthorization submits the raw authorization request query string
	ProcessAuthorization(ctx context.Context, parameters string) (Action, error)

	// IssueAuthorization resolves a suspended authorization for subject. Valid
	// only once per ticket; a consumed ticket yields ErrTicketConsumed.
	IssueAuthorization(ctx context.Context, ticket, subject string) (Action, error)

	// FailAuthorization terminally fails a suspended authorization
	FailAuthorization(ctx context.Context, ticket string, reason FailReason) (Action, error)

	// ProcessToken submits the raw token request body. creds may be nil.
	ProcessToken(ctx context.Context, parameters string, creds *ClientCredentials) (Action, error)

	// IssueToken resolves a PASSWORD action after successful local credential
	// verification
	IssueToken(ctx context.Context, ticket, subject string) (Action, error)

	// FailToken terminally fails a suspended token request
	FailToken(ctx context.Context, ticket string, reason TokenFailReason) (Action, error)
}
