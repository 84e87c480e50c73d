package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oidc-front/internal/config"
	"github.com/dgellow/oidc-front/internal/engine"
	"github.com/dgellow/oidc-front/internal/testutil"
	"github.com/dgellow/oidc-front/internal/users"
)

func newTokenTestFixture(t *testing.T) (*testutil.FakeEngine, *TokenHandlers) {
	t.Helper()

	fake := &testutil.FakeEngine{}
	directory, err := users.NewDirectory([]config.UserConfig{
		{Username: "alice", Password: "wonderland"},
	})
	require.NoError(t, err)
	return fake, NewTokenHandlers(fake, directory)
}

func postToken(handlers *TokenHandlers, body string, modify ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range modify {
		m(req)
	}
	w := httptest.NewRecorder()
	handlers.TokenHandler(w, req)
	return w
}

func TestTokenHandlerEmptyBody(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)

	w := postToken(handlers, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
	assert.Empty(t, fake.ProcessTokenCalls, "engine must not be called for an empty request")
}

func TestTokenHandlerOKRelay(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)
	payload := `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`
	fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
		return engine.Action{Kind: engine.ActionOK, ResponseContent: payload}, nil
	}

	w := postToken(handlers, "grant_type=authorization_code&code=mock-code")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, payload, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	require.Len(t, fake.ProcessTokenCalls, 1)
	assert.Equal(t, "grant_type=authorization_code&code=mock-code", fake.ProcessTokenCalls[0].Parameters)
	assert.Nil(t, fake.ProcessTokenCalls[0].Creds)
}

func TestTokenHandlerBasicAuthPrecedence(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)
	fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
		return engine.Action{Kind: engine.ActionOK, ResponseContent: "{}"}, nil
	}

	body := "grant_type=client_credentials&client_id=body-client&client_secret=body-secret"
	w := postToken(handlers, body, func(r *http.Request) {
		r.SetBasicAuth("header-client", "header-secret")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fake.ProcessTokenCalls, 1)
	creds := fake.ProcessTokenCalls[0].Creds
	require.NotNil(t, creds)
	assert.Equal(t, "header-client", creds.ID)
	assert.Equal(t, "header-secret", creds.Secret)
	assert.Equal(t, body, fake.ProcessTokenCalls[0].Parameters, "body goes to the engine untouched")
}

func TestTokenHandlerMalformedBasicAuthTreatedAsAbsent(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)
	fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
		return engine.Action{Kind: engine.ActionOK, ResponseContent: "{}"}, nil
	}

	w := postToken(handlers, "grant_type=client_credentials", func(r *http.Request) {
		r.Header.Set("Authorization", "Basic not-base64!!!")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fake.ProcessTokenCalls, 1)
	assert.Nil(t, fake.ProcessTokenCalls[0].Creds)
}

func TestTokenHandlerErrorRelay(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)
	payload := `{"error":"invalid_grant","error_description":"code expired"}`
	fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
		return engine.Action{Kind: engine.ActionBadRequest, ResponseContent: payload}, nil
	}

	w := postToken(handlers, "grant_type=authorization_code&code=expired")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, payload, w.Body.String())
}

func TestTokenHandlerEngineUnavailable(t *testing.T) {
	fake, handlers := newTokenTestFixture(t)
	fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
		return engine.Action{}, engine.ErrEngineUnavailable
	}

	w := postToken(handlers, "grant_type=authorization_code&code=mock-code")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "server_error")
}

func TestTokenHandlerUnsupportedAction(t *testing.T) {
	t.Run("action with payload relayed as client error", func(t *testing.T) {
		fake, handlers := newTokenTestFixture(t)
		payload := `{"error":"invalid_grant","error_description":"grant is not usable here"}`
		fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionLocation, ResponseContent: payload}, nil
		}

		w := postToken(handlers, "grant_type=authorization_code&code=mock-code")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, payload, w.Body.String())
	})

	t.Run("action without payload is a protocol error", func(t *testing.T) {
		fake, handlers := newTokenTestFixture(t)
		fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionInteraction, Ticket: "ticket-1"}, nil
		}

		w := postToken(handlers, "grant_type=authorization_code&code=mock-code")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "unsupported_token_action")
	})

	t.Run("issue resolution without payload is a protocol error", func(t *testing.T) {
		fake, handlers := newTokenTestFixture(t)
		fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionPassword, Ticket: "token-ticket-1"}, nil
		}
		fake.IssueTokenFunc = func(ctx context.Context, ticket, subject string) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionInteraction}, nil
		}

		w := postToken(handlers, "grant_type=password&username=alice&password=wonderland")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "unsupported_token_action")
	})
}

func TestTokenHandlerPasswordGrant(t *testing.T) {
	t.Run("valid credentials issue token", func(t *testing.T) {
		fake, handlers := newTokenTestFixture(t)
		payload := `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`
		fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionPassword, Ticket: "token-ticket-1"}, nil
		}
		fake.IssueTokenFunc = func(ctx context.Context, ticket, subject string) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionOK, ResponseContent: payload}, nil
		}

		body := url.Values{
			"grant_type": {"password"},
			"username":   {"alice"},
			"password":   {"wonderland"},
		}.Encode()
		w := postToken(handlers, body)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, payload, w.Body.String())
		require.Len(t, fake.IssueTokenCalls, 1)
		assert.Equal(t, testutil.IssueCall{Ticket: "token-ticket-1", Subject: "alice"}, fake.IssueTokenCalls[0])
		assert.Empty(t, fake.FailTokenCalls)
	})

	t.Run("invalid credentials fail ticket", func(t *testing.T) {
		fake, handlers := newTokenTestFixture(t)
		payload := `{"error":"invalid_grant","error_description":"invalid resource owner credentials"}`
		fake.ProcessTokenFunc = func(ctx context.Context, parameters string, creds *engine.ClientCredentials) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionPassword, Ticket: "token-ticket-1"}, nil
		}
		fake.FailTokenFunc = func(ctx context.Context, ticket string, reason engine.TokenFailReason) (engine.Action, error) {
			return engine.Action{Kind: engine.ActionBadRequest, ResponseContent: payload}, nil
		}

		body := url.Values{
			"grant_type": {"password"},
			"username":   {"alice"},
			"password":   {"wrong"},
		}.Encode()
		w := postToken(handlers, body)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, payload, w.Body.String())
		require.Len(t, fake.FailTokenCalls, 1)
		assert.Equal(t, testutil.TokenFailCall{
			Ticket: "token-ticket-1",
			Reason: engine.TokenFailInvalidResourceOwnerCredentials,
		}, fake.FailTokenCalls[0])
		assert.Empty(t, fake.IssueTokenCalls)
	})
}
