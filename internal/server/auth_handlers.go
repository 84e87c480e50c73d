package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/oidc-front/internal/cookie"
	"github.com/dgellow/oidc-front/internal/crypto"
	"github.com/dgellow/oidc-front/internal/engine"
	jsonwriter "github.com/dgellow/oidc-front/internal/json"
	"github.com/dgellow/oidc-front/internal/log"
	"github.com/dgellow/oidc-front/internal/session"
	"github.com/dgellow/oidc-front/internal/users"
)

// AuthHandlers serves the authorization endpoint and the login and consent
// interaction it suspends into.
type AuthHandlers struct {
	engine     engine.Engine
	sessions   session.Store
	users      *users.Directory
	csrf       crypto.CSRFProtection
	sessionTTL time.Duration
}

// NewAuthHandlers creates new auth handlers with dependency injection
func NewAuthHandlers(
	eng engine.Engine,
	sessions session.Store,
	directory *users.Directory,
	csrf crypto.CSRFProtection,
	sessionTTL time.Duration,
) *AuthHandlers {
	return &AuthHandlers{
		engine:     eng,
		sessions:   sessions,
		users:      directory,
		csrf:       csrf,
		sessionTTL: sessionTTL,
	}
}

// AuthorizeHandler handles the authorization endpoint. It forwards the raw
// request parameters to the decision engine and dispatches on the returned
// action; the engine owns all OAuth semantic validation.
func (h *AuthHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	parameters, err := requestParameters(r)
	if err != nil {
		jsonwriter.WriteInvalidRequest(w, "failed to read request parameters")
		return
	}
	if parameters == "" {
		// Reject before involving the engine: an empty request can never
		// become a valid authorization.
		jsonwriter.WriteInvalidRequest(w, "authorization request has no parameters")
		return
	}

	action, err := h.engine.ProcessAuthorization(r.Context(), parameters)
	if err != nil {
		log.LogErrorWithFields("auth", "Authorization processing failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "authorization request could not be processed")
		return
	}

	switch action.Kind {
	case engine.ActionInteraction:
		h.startInteraction(w, r, action)

	case engine.ActionNoInteraction:
		h.issueAndRedirect(w, r, action.Ticket, action.Subject)

	case engine.ActionLocation:
		http.Redirect(w, r, action.ResponseContent, http.StatusFound)

	case engine.ActionForm:
		writeHTML(w, http.StatusOK, action.ResponseContent)

	case engine.ActionBadRequest:
		jsonwriter.WriteRaw(w, http.StatusBadRequest, action.ResponseContent)

	case engine.ActionInternalError:
		jsonwriter.WriteRaw(w, http.StatusInternalServerError, action.ResponseContent)

	default:
		log.LogWarnWithFields("auth", "Unsupported authorization action", map[string]any{
			"action": string(action.Kind),
		})
		jsonwriter.WriteBadRequest(w, "unsupported_action", "authorization produced an unsupported action")
	}
}

// startInteraction suspends the authorization: it binds the engine ticket to a
// fresh browser session and serves the login page.
func (h *AuthHandlers) startInteraction(w http.ResponseWriter, r *http.Request, action engine.Action) {
	sessionID := session.NewSessionID()
	ticket := session.Ticket{
		ID:              action.Ticket,
		ClientName:      action.ClientName,
		ProposedSubject: action.Subject,
	}

	if err := h.sessions.Bind(r.Context(), sessionID, ticket); err != nil {
		log.LogErrorWithFields("auth", "Failed to bind ticket to session", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to start authorization interaction")
		return
	}

	cookie.SetSession(w, sessionID, h.sessionTTL)
	h.renderLoginPage(w, action.ClientName, "")
}

// issueAndRedirect resolves a ticket the engine already authenticated and
// follows the resulting redirect.
func (h *AuthHandlers) issueAndRedirect(w http.ResponseWriter, r *http.Request, ticket, subject string) {
	action, err := h.engine.IssueAuthorization(r.Context(), ticket, subject)
	if err != nil {
		log.LogErrorWithFields("auth", "Authorization issuance failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "authorization could not be issued")
		return
	}
	if action.Kind != engine.ActionLocation {
		log.LogErrorWithFields("auth", "Unexpected issue action", map[string]any{
			"action": string(action.Kind),
		})
		jsonwriter.WriteServerError(w, "unexpected issue action")
		return
	}
	http.Redirect(w, r, action.ResponseContent, http.StatusFound)
}

// LoginHandler verifies resource owner credentials for a suspended
// authorization. Success records the subject on the session and advances to
// the consent page; failure re-renders the login page.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ticket, ok := h.loginTicket(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteInvalidRequest(w, "failed to parse form")
		return
	}
	if !h.csrf.Validate(r.PostFormValue("_csrf")) {
		jsonwriter.WriteForbidden(w, "invalid_csrf_token", "CSRF token is missing, invalid, or expired")
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	subject, ok := h.users.Verify(username, password)
	if !ok {
		log.LogDebugWithFields("auth", "Login failed", map[string]any{
			"username": username,
		})
		h.renderLoginPage(w, ticket.ClientName, "Invalid username or password.")
		return
	}

	if err := h.sessions.SetSubject(r.Context(), sessionID, subject); err != nil {
		log.LogErrorWithFields("auth", "Failed to record subject", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to record login")
		return
	}

	log.LogInfoWithFields("auth", "User authenticated", map[string]any{
		"subject": subject,
	})
	h.renderConsentPage(w, ticket.ClientName, subject)
}

// DecisionHandler resumes a suspended authorization with the user's consent
// decision and resolves it through the engine.
func (h *AuthHandlers) DecisionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ticket, ok := h.pendingTicket(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteInvalidRequest(w, "failed to parse form")
		return
	}
	if !h.csrf.Validate(r.PostFormValue("_csrf")) {
		jsonwriter.WriteForbidden(w, "invalid_csrf_token", "CSRF token is missing, invalid, or expired")
		return
	}

	// Invalidate the ticket before resolving so a duplicate submission can
	// never reach the engine twice.
	if err := h.sessions.ClearTicket(r.Context(), sessionID); err != nil {
		log.LogErrorWithFields("auth", "Failed to clear ticket", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to resolve authorization")
		return
	}

	// Anything other than an explicit allow is a deny
	if r.PostFormValue("decision") != "allow" {
		h.resolve(w, r, func(ctx context.Context) (engine.Action, error) {
			return h.engine.FailAuthorization(ctx, ticket.ID, engine.FailDenied)
		})
		return
	}

	subject, found, err := h.sessions.Subject(r.Context(), sessionID)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to read session subject", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to resolve authorization")
		return
	}
	if !found {
		// The original request may have proposed a subject; without one there
		// is nobody to authorize.
		subject = ticket.ProposedSubject
	}
	if subject == "" {
		jsonwriter.WriteForbidden(w, "consent_without_subject", "no authenticated subject for this authorization")
		return
	}

	h.resolve(w, r, func(ctx context.Context) (engine.Action, error) {
		return h.engine.IssueAuthorization(ctx, ticket.ID, subject)
	})
}

// resolve performs an issue or fail call and renders its outcome
func (h *AuthHandlers) resolve(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) (engine.Action, error)) {
	action, err := op(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrTicketConsumed) {
			jsonwriter.WriteInvalidRequest(w, "authorization has already been resolved")
			return
		}
		log.LogErrorWithFields("auth", "Authorization resolution failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "authorization could not be resolved")
		return
	}

	switch action.Kind {
	case engine.ActionLocation:
		http.Redirect(w, r, action.ResponseContent, http.StatusFound)
	case engine.ActionForm:
		writeHTML(w, http.StatusOK, action.ResponseContent)
	default:
		log.LogErrorWithFields("auth", "Unexpected resolution action", map[string]any{
			"action": string(action.Kind),
		})
		jsonwriter.WriteServerError(w, "unexpected resolution action")
	}
}

// pendingTicket loads the caller's suspended authorization. It writes the
// error response and returns ok=false when there is none.
func (h *AuthHandlers) pendingTicket(w http.ResponseWriter, r *http.Request) (string, session.Ticket, bool) {
	sessionID, err := cookie.GetSession(r)
	if err != nil {
		jsonwriter.WriteInvalidRequest(w, "no pending authorization for this session")
		return "", session.Ticket{}, false
	}

	ticket, found, err := h.sessions.Ticket(r.Context(), sessionID)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to load session ticket", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to load authorization state")
		return "", session.Ticket{}, false
	}
	if !found {
		jsonwriter.WriteInvalidRequest(w, "no pending authorization for this session")
		return "", session.Ticket{}, false
	}
	return sessionID, ticket, true
}

// loginTicket is pendingTicket for the login form: absence of a suspended
// authorization re-renders the page with a prompt instead of a JSON error.
func (h *AuthHandlers) loginTicket(w http.ResponseWriter, r *http.Request) (string, session.Ticket, bool) {
	sessionID, err := cookie.GetSession(r)
	if err != nil {
		h.renderLoginPage(w, "", "Your session has expired. Restart the authorization from your application.")
		return "", session.Ticket{}, false
	}

	ticket, found, err := h.sessions.Ticket(r.Context(), sessionID)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to load session ticket", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServerError(w, "failed to load authorization state")
		return "", session.Ticket{}, false
	}
	if !found {
		h.renderLoginPage(w, "", "Your session has expired. Restart the authorization from your application.")
		return "", session.Ticket{}, false
	}
	return sessionID, ticket, true
}

func (h *AuthHandlers) renderLoginPage(w http.ResponseWriter, clientName, errorMsg string) {
	token, err := h.csrf.Generate()
	if err != nil {
		log.LogError("Failed to generate CSRF token: %v", err)
		jsonwriter.WriteServerError(w, "failed to render login page")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginPageTemplate.Execute(w, LoginPageData{
		ClientName: clientName,
		CSRFToken:  token,
		Error:      errorMsg,
	}); err != nil {
		log.LogError("Failed to render login page: %v", err)
	}
}

func (h *AuthHandlers) renderConsentPage(w http.ResponseWriter, clientName, subject string) {
	token, err := h.csrf.Generate()
	if err != nil {
		log.LogError("Failed to generate CSRF token: %v", err)
		jsonwriter.WriteServerError(w, "failed to render consent page")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentPageTemplate.Execute(w, ConsentPageData{
		ClientName: clientName,
		Subject:    subject,
		CSRFToken:  token,
	}); err != nil {
		log.LogError("Failed to render consent page: %v", err)
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
