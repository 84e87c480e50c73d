// Package testutil provides test doubles shared across handler and
// integration tests.
package testutil

import (
	"context"
	"sync"

	"github.com/dgellow/oidc-front/internal/engine"
)

// FakeEngine is a configurable engine.Engine double. Each operation delegates
// to its func field when set and returns a zero Action otherwise. Calls and
// their arguments are recorded for assertions.
type FakeEngine struct {
	mu sync.Mutex

	ProcessAuthorizationFunc func(ctx context.Context, parameters string) (engine.Action, error)
	IssueAuthorizationFunc   func(ctx context.Context, ticket, subject string) (engine.Action, error)
	FailAuthorizationFunc    func(ctx context.Context, ticket string, reason engine.FailReason) (engine.Action, error)
	ProcessTokenFunc         func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error)
	IssueTokenFunc           func(ctx context.Context, ticket, subject string) (engine.Action, error)
	FailTokenFunc            func(ctx context.Context, ticket string, reason engine.TokenFailReason) (engine.Action, error)

	ProcessAuthorizationCalls []string
	IssueAuthorizationCalls   []IssueCall
	FailAuthorizationCalls    []AuthFailCall
	ProcessTokenCalls         []TokenCall
	IssueTokenCalls           []IssueCall
	FailTokenCalls            []TokenFailCall
}

// IssueCall records the arguments of an issue operation
type IssueCall struct {
	Ticket  string
	Subject string
}

// AuthFailCall records the arguments of FailAuthorization
type AuthFailCall struct {
	Ticket string
	Reason engine.FailReason
}

// TokenCall records the arguments of ProcessToken
type TokenCall struct {
	Parameters string
	Creds      *engine.ClientCredentials
}

// TokenFailCall records the arguments of FailToken
type TokenFailCall struct {
	Ticket string
	Reason engine.TokenFailReason
}

func (f *FakeEngine) ProcessAuthorization(ctx context.Context, parameters string) (engine.Action, error) {
	f.mu.Lock()
	f.ProcessAuthorizationCalls = append(f.ProcessAuthorizationCalls, parameters)
	fn := f.ProcessAuthorizationFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, parameters)
}

func (f *FakeEngine) IssueAuthorization(ctx context.Context, ticket, subject string) (engine.Action, error) {
	f.mu.Lock()
	f.IssueAuthorizationCalls = append(f.IssueAuthorizationCalls, IssueCall{Ticket: ticket, Subject: subject})
	fn := f.IssueAuthorizationFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, ticket, subject)
}

func (f *FakeEngine) FailAuthorization(ctx context.Context, ticket string, reason engine.FailReason) (engine.Action, error) {
	f.mu.Lock()
	f.FailAuthorizationCalls = append(f.FailAuthorizationCalls, AuthFailCall{Ticket: ticket, Reason: reason})
	fn := f.FailAuthorizationFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, ticket, reason)
}

func (f *FakeEngine) ProcessToken(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
	f.mu.Lock()
	f.ProcessTokenCalls = append(f.ProcessTokenCalls, TokenCall{Parameters: parameters, Creds: creds})
	fn := f.ProcessTokenFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, parameters, creds)
}

func (f *FakeEngine) IssueToken(ctx context.Context, ticket, subject string) (engine.Action, error) {
	f.mu.Lock()
	f.IssueTokenCalls = append(f.IssueTokenCalls, IssueCall{Ticket: ticket, Subject: subject})
	fn := f.IssueTokenFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, ticket, subject)
}

func (f *FakeEngine) FailToken(ctx context.Context, ticket string, reason engine.TokenFailReason) (engine.Action, error) {
	f.mu.Lock()
	f.FailTokenCalls = append(f.FailTokenCalls, TokenFailCall{Ticket: ticket, Reason: reason})
	fn := f.FailTokenFunc
	f.mu.Unlock()

	if fn == nil {
		return engine.Action{}, nil
	}
	return fn(ctx, ticket, reason)
}

var _ engine.Engine = (*FakeEngine)(nil)
