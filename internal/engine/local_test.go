package engine

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/oidc-front/internal/pkce"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key-32-bytes-long!!")

func newTestEngine(t *testing.T) *LocalEngine {
	t.Helper()
	e, err := NewLocalEngine(LocalConfig{
		Issuer:     "http://localhost:3000",
		SigningKey: testSigningKey,
		TokenTTL:   time.Hour,
		Clients: []LocalClient{
			{
				ID:           "sample-client",
				Name:         "Sample Client",
				RedirectURIs: []string{"http://localhost:9000/cb"},
				Scopes:       []string{"openid", "profile"},
			},
			{
				ID:           "backend-client",
				Name:         "Backend Client",
				Secret:       "backend-secret",
				RedirectURIs: []string{"http://localhost:9000/cb"},
				Scopes:       []string{"openid"},
			},
		},
	})
	require.NoError(t, err)
	return e
}

func authorizeParams(challenge string) string {
	v := url.Values{
		"response_type":         {"code"},
		"client_id":             {"sample-client"},
		"redirect_uri":          {"http://localhost:9000/cb"},
		"scope":                 {"openid"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return v.Encode()
}

func decodeErrorPayload(t *testing.T, action Action) map[string]string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(action.ResponseContent), &payload))
	return payload
}

func TestNewLocalEngine(t *testing.T) {
	t.Run("short signing key rejected", func(t *testing.T) {
		_, err := NewLocalEngine(LocalConfig{SigningKey: []byte("short")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})

	t.Run("client without redirect URIs rejected", func(t *testing.T) {
		_, err := NewLocalEngine(LocalConfig{
			SigningKey: testSigningKey,
			Clients:    []LocalClient{{ID: "c1"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redirect URI")
	})
}

func TestProcessAuthorization(t *testing.T) {
	ctx := context.Background()
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	challenge, err := pkce.DeriveChallenge(verifier)
	require.NoError(t, err)

	t.Run("valid request suspends for interaction", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		assert.Equal(t, ActionInteraction, action.Kind)
		assert.NotEmpty(t, action.Ticket)
		assert.Equal(t, "Sample Client", action.ClientName)
	})

	t.Run("login_hint becomes the proposed subject", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessAuthorization(ctx, authorizeParams(challenge)+"&login_hint=carol")
		require.NoError(t, err)

		assert.Equal(t, ActionInteraction, action.Kind)
		assert.Equal(t, "carol", action.Subject)
	})

	t.Run("unknown client", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessAuthorization(ctx, "response_type=code&client_id=nope&redirect_uri=http://localhost:9000/cb")
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
		assert.Equal(t, "invalid_client", decodeErrorPayload(t, action)["error"])
	})

	t.Run("unregistered redirect URI never redirects", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessAuthorization(ctx, "response_type=code&client_id=sample-client&redirect_uri=http://evil.example.com/cb")
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
	})

	t.Run("wrong response type redirects with error", func(t *testing.T) {
		e := newTestEngine(t)
		params := strings.Replace(authorizeParams(challenge), "response_type=code", "response_type=token", 1)
		action, err := e.ProcessAuthorization(ctx, params)
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, action.Kind)
		assert.Contains(t, action.ResponseContent, "error=unsupported_response_type")
		assert.Contains(t, action.ResponseContent, "state=xyz")
	})

	t.Run("missing PKCE challenge for public client", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessAuthorization(ctx, "response_type=code&client_id=sample-client&redirect_uri=http%3A%2F%2Flocalhost%3A9000%2Fcb")
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, action.Kind)
		assert.Contains(t, action.ResponseContent, "error=invalid_request")
	})

	t.Run("plain challenge method rejected", func(t *testing.T) {
		e := newTestEngine(t)
		params := strings.Replace(authorizeParams(challenge), "code_challenge_method=S256", "code_challenge_method=plain", 1)
		action, err := e.ProcessAuthorization(ctx, params)
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, action.Kind)
		assert.Contains(t, action.ResponseContent, "error=invalid_request")
	})

	t.Run("scope outside registration rejected", func(t *testing.T) {
		e := newTestEngine(t)
		params := strings.Replace(authorizeParams(challenge), "scope=openid", "scope=admin", 1)
		action, err := e.ProcessAuthorization(ctx, params)
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, action.Kind)
		assert.Contains(t, action.ResponseContent, "error=invalid_scope")
	})
}

func TestIssueAndFailAuthorization(t *testing.T) {
	ctx := context.Background()
	verifier, _ := pkce.GenerateVerifier()
	challenge, _ := pkce.DeriveChallenge(verifier)

	t.Run("issue produces a code redirect", func(t *testing.T) {
		e := newTestEngine(t)
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		issued, err := e.IssueAuthorization(ctx, interaction.Ticket, "alice")
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, issued.Kind)
		u, err := url.Parse(issued.ResponseContent)
		require.NoError(t, err)
		assert.NotEmpty(t, u.Query().Get("code"))
		assert.Equal(t, "xyz", u.Query().Get("state"))
	})

	t.Run("second issue for the same ticket is rejected", func(t *testing.T) {
		e := newTestEngine(t)
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		_, err = e.IssueAuthorization(ctx, interaction.Ticket, "alice")
		require.NoError(t, err)

		_, err = e.IssueAuthorization(ctx, interaction.Ticket, "alice")
		assert.ErrorIs(t, err, ErrTicketConsumed)
	})

	t.Run("fail after issue is rejected", func(t *testing.T) {
		e := newTestEngine(t)
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		_, err = e.IssueAuthorization(ctx, interaction.Ticket, "alice")
		require.NoError(t, err)

		_, err = e.FailAuthorization(ctx, interaction.Ticket, FailDenied)
		assert.ErrorIs(t, err, ErrTicketConsumed)
	})

	t.Run("unknown ticket is rejected", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.IssueAuthorization(ctx, "no-such-ticket", "alice")
		assert.ErrorIs(t, err, ErrTicketConsumed)
	})

	t.Run("deny redirects with access_denied", func(t *testing.T) {
		e := newTestEngine(t)
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		failed, err := e.FailAuthorization(ctx, interaction.Ticket, FailDenied)
		require.NoError(t, err)

		assert.Equal(t, ActionLocation, failed.Kind)
		assert.Contains(t, failed.ResponseContent, "error=access_denied")
		assert.Contains(t, failed.ResponseContent, "state=xyz")
	})

	t.Run("issue without subject", func(t *testing.T) {
		e := newTestEngine(t)
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)

		action, err := e.IssueAuthorization(ctx, interaction.Ticket, "")
		require.NoError(t, err)
		assert.Equal(t, ActionBadRequest, action.Kind)
	})
}

func TestProcessToken(t *testing.T) {
	ctx := context.Background()

	runAuthorization := func(t *testing.T, e *LocalEngine, challenge string) string {
		interaction, err := e.ProcessAuthorization(ctx, authorizeParams(challenge))
		require.NoError(t, err)
		issued, err := e.IssueAuthorization(ctx, interaction.Ticket, "alice")
		require.NoError(t, err)
		u, err := url.Parse(issued.ResponseContent)
		require.NoError(t, err)
		return u.Query().Get("code")
	}

	t.Run("authorization code exchange with PKCE", func(t *testing.T) {
		e := newTestEngine(t)
		verifier, _ := pkce.GenerateVerifier()
		challenge, _ := pkce.DeriveChallenge(verifier)
		code := runAuthorization(t, e, challenge)

		body := url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"sample-client"},
			"code":          {code},
			"redirect_uri":  {"http://localhost:9000/cb"},
			"code_verifier": {verifier},
		}
		action, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)

		require.Equal(t, ActionOK, action.Kind)
		var response map[string]any
		require.NoError(t, json.Unmarshal([]byte(action.ResponseContent), &response))
		assert.Equal(t, "Bearer", response["token_type"])
		assert.EqualValues(t, 3600, response["expires_in"])

		// The access token is a verifiable JWT for the consented subject
		parsed, err := jwt.Parse(response["access_token"].(string), func(tok *jwt.Token) (any, error) {
			return testSigningKey, nil
		})
		require.NoError(t, err)
		sub, err := parsed.Claims.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, "alice", sub)
	})

	t.Run("wrong verifier fails exchange", func(t *testing.T) {
		e := newTestEngine(t)
		verifier, _ := pkce.GenerateVerifier()
		challenge, _ := pkce.DeriveChallenge(verifier)
		code := runAuthorization(t, e, challenge)

		wrong, _ := pkce.GenerateVerifier()
		body := url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"sample-client"},
			"code":          {code},
			"redirect_uri":  {"http://localhost:9000/cb"},
			"code_verifier": {wrong},
		}
		action, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
		assert.Equal(t, "invalid_grant", decodeErrorPayload(t, action)["error"])
	})

	t.Run("code is single use", func(t *testing.T) {
		e := newTestEngine(t)
		verifier, _ := pkce.GenerateVerifier()
		challenge, _ := pkce.DeriveChallenge(verifier)
		code := runAuthorization(t, e, challenge)

		body := url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"sample-client"},
			"code":          {code},
			"redirect_uri":  {"http://localhost:9000/cb"},
			"code_verifier": {verifier},
		}
		first, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)
		require.Equal(t, ActionOK, first.Kind)

		second, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBadRequest, second.Kind)
	})

	t.Run("expired code rejected", func(t *testing.T) {
		e := newTestEngine(t)
		verifier, _ := pkce.GenerateVerifier()
		challenge, _ := pkce.DeriveChallenge(verifier)
		code := runAuthorization(t, e, challenge)

		e.now = func() time.Time { return time.Now().Add(codeLifespan + time.Minute) }

		body := url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"sample-client"},
			"code":          {code},
			"redirect_uri":  {"http://localhost:9000/cb"},
			"code_verifier": {verifier},
		}
		action, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
		assert.Contains(t, decodeErrorPayload(t, action)["error_description"], "expired")
	})

	t.Run("client credentials grant", func(t *testing.T) {
		e := newTestEngine(t)
		body := url.Values{"grant_type": {"client_credentials"}}
		action, err := e.ProcessToken(ctx, body.Encode(), &ClientCredentials{ID: "backend-client", Secret: "backend-secret"})
		require.NoError(t, err)

		assert.Equal(t, ActionOK, action.Kind)
		assert.Contains(t, action.ResponseContent, "access_token")
	})

	t.Run("client credentials with wrong secret", func(t *testing.T) {
		e := newTestEngine(t)
		body := url.Values{"grant_type": {"client_credentials"}}
		action, err := e.ProcessToken(ctx, body.Encode(), &ClientCredentials{ID: "backend-client", Secret: "wrong"})
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
		assert.Equal(t, "invalid_client", decodeErrorPayload(t, action)["error"])
	})

	t.Run("header credentials take precedence over body", func(t *testing.T) {
		e := newTestEngine(t)
		body := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"backend-client"},
			"client_secret": {"backend-secret"},
		}
		// Valid body credentials, but the header names an unknown client
		action, err := e.ProcessToken(ctx, body.Encode(), &ClientCredentials{ID: "who", Secret: "dis"})
		require.NoError(t, err)
		assert.Equal(t, ActionBadRequest, action.Kind)
	})

	t.Run("empty body", func(t *testing.T) {
		e := newTestEngine(t)
		action, err := e.ProcessToken(ctx, "", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBadRequest, action.Kind)
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		e := newTestEngine(t)
		body := url.Values{"grant_type": {"implicit"}, "client_id": {"sample-client"}}
		action, err := e.ProcessToken(ctx, body.Encode(), nil)
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, action.Kind)
		assert.Equal(t, "unsupported_grant_type", decodeErrorPayload(t, action)["error"])
	})
}

func TestPasswordGrantTickets(t *testing.T) {
	ctx := context.Background()

	startPasswordGrant := func(t *testing.T, e *LocalEngine) Action {
		body := url.Values{
			"grant_type": {"password"},
			"username":   {"alice"},
			"password":   {"wonderland"},
			"scope":      {"openid"},
		}
		action, err := e.ProcessToken(ctx, body.Encode(), &ClientCredentials{ID: "backend-client", Secret: "backend-secret"})
		require.NoError(t, err)
		require.Equal(t, ActionPassword, action.Kind)
		require.NotEmpty(t, action.Ticket)
		return action
	}

	t.Run("issue resolves the ticket", func(t *testing.T) {
		e := newTestEngine(t)
		pw := startPasswordGrant(t, e)

		issued, err := e.IssueToken(ctx, pw.Ticket, "alice")
		require.NoError(t, err)

		assert.Equal(t, ActionOK, issued.Kind)
		assert.Contains(t, issued.ResponseContent, "access_token")
	})

	t.Run("fail resolves the ticket with invalid_grant", func(t *testing.T) {
		e := newTestEngine(t)
		pw := startPasswordGrant(t, e)

		failed, err := e.FailToken(ctx, pw.Ticket, TokenFailInvalidResourceOwnerCredentials)
		require.NoError(t, err)

		assert.Equal(t, ActionBadRequest, failed.Kind)
		payload := decodeErrorPayload(t, failed)
		assert.Equal(t, "invalid_grant", payload["error"])
	})

	t.Run("token ticket is single use", func(t *testing.T) {
		e := newTestEngine(t)
		pw := startPasswordGrant(t, e)

		_, err := e.IssueToken(ctx, pw.Ticket, "alice")
		require.NoError(t, err)

		_, err = e.IssueToken(ctx, pw.Ticket, "alice")
		assert.ErrorIs(t, err, ErrTicketConsumed)

		_, err = e.FailToken(ctx, pw.Ticket, TokenFailInvalidResourceOwnerCredentials)
		assert.ErrorIs(t, err, ErrTicketConsumed)
	})
}
