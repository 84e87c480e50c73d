package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dgellow/oidc-front/internal/engine"
	jsonwriter "github.com/dgellow/oidc-front/internal/json"
	"github.com/dgellow/oidc-front/internal/log"
	"github.com/dgellow/oidc-front/internal/users"
)

// TokenHandlers serves the token endpoint
type TokenHandlers struct {
	engine engine.Engine
	users  *users.Directory
}

// NewTokenHandlers creates new token handlers with dependency injection
func NewTokenHandlers(eng engine.Engine, directory *users.Directory) *TokenHandlers {
	return &TokenHandlers{engine: eng, users: directory}
}

// TokenHandler handles the token endpoint. The raw form body goes to the
// decision engine untouched; the front only extracts client authentication
// and, for the password grant, verifies resource owner credentials.
func (h *TokenHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonwriter.WriteInvalidRequest(w, "failed to read request body")
		return
	}
	parameters := string(body)
	if parameters == "" {
		jsonwriter.WriteInvalidRequest(w, "token request has no parameters")
		return
	}

	creds := clientCredentials(r)

	action, err := h.engine.ProcessToken(r.Context(), parameters, creds)
	if err != nil {
		log.LogErrorWithFields("token", "Token processing failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "token request could not be processed")
		return
	}

	switch action.Kind {
	case engine.ActionOK:
		jsonwriter.WriteRaw(w, http.StatusOK, action.ResponseContent)

	case engine.ActionPassword:
		h.passwordGrant(w, r, action.Ticket, parameters)

	case engine.ActionBadRequest:
		jsonwriter.WriteRaw(w, http.StatusBadRequest, action.ResponseContent)

	case engine.ActionInternalError:
		jsonwriter.WriteRaw(w, http.StatusInternalServerError, action.ResponseContent)

	default:
		writeUnsupportedTokenAction(w, action)
	}
}

// passwordGrant verifies resource owner credentials locally and resolves the
// engine's PASSWORD ticket either way.
func (h *TokenHandlers) passwordGrant(w http.ResponseWriter, r *http.Request, ticket, parameters string) {
	form, err := url.ParseQuery(parameters)
	if err != nil {
		jsonwriter.WriteInvalidRequest(w, "malformed token request body")
		return
	}

	subject, ok := h.users.Verify(form.Get("username"), form.Get("password"))

	var action engine.Action
	if ok {
		action, err = h.engine.IssueToken(r.Context(), ticket, subject)
	} else {
		log.LogDebugWithFields("token", "Resource owner credential check failed", map[string]any{
			"username": form.Get("username"),
		})
		action, err = h.engine.FailToken(r.Context(), ticket, engine.TokenFailInvalidResourceOwnerCredentials)
	}
	if err != nil {
		log.LogErrorWithFields("token", "Token resolution failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "token request could not be resolved")
		return
	}

	switch action.Kind {
	case engine.ActionOK:
		jsonwriter.WriteRaw(w, http.StatusOK, action.ResponseContent)
	case engine.ActionBadRequest:
		jsonwriter.WriteRaw(w, http.StatusBadRequest, action.ResponseContent)
	case engine.ActionInternalError:
		jsonwriter.WriteRaw(w, http.StatusInternalServerError, action.ResponseContent)
	default:
		writeUnsupportedTokenAction(w, action)
	}
}

// writeUnsupportedTokenAction handles an action kind the token endpoint has no
// mapping for. An action carrying a payload is relayed as a client error; one
// without a payload is a protocol violation on the engine's side.
func writeUnsupportedTokenAction(w http.ResponseWriter, action engine.Action) {
	log.LogErrorWithFields("token", "Unsupported token action", map[string]any{
		"action": string(action.Kind),
	})
	if action.ResponseContent != "" {
		jsonwriter.WriteRaw(w, http.StatusBadRequest, action.ResponseContent)
		return
	}
	jsonwriter.WriteError(w, http.StatusInternalServerError, "unsupported_token_action", "token request produced an unsupported action")
}

// clientCredentials extracts client authentication from the request. The
// Authorization header takes precedence over body parameters; a malformed
// header is treated as absent and the engine decides whether the body
// credentials suffice.
func clientCredentials(r *http.Request) *engine.ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok {
		return &engine.ClientCredentials{ID: id, Secret: secret}
	}
	return nil
}

// requestParameters returns the raw parameters of an authorization request:
// the query string for GET, the form body for POST.
func requestParameters(r *http.Request) (string, error) {
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(body)), nil
	}
	return r.URL.RawQuery, nil
}
