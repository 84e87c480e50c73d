package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/oidc-front/internal/crypto"
	"github.com/dgellow/oidc-front/internal/log"
	"github.com/dgellow/oidc-front/internal/pkce"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
)

const codeLifespan = 10 * time.Minute

// LocalClient describes an OAuth client registered with the local engine.
// An empty Secret makes the client public (PKCE required).
type LocalClient struct {
	ID           string
	Name         string
	Secret       string
	RedirectURIs []string
	Scopes       []string
}

// LocalConfig configures the local substitute engine
type LocalConfig struct {
	Issuer     string
	SigningKey []byte
	TokenTTL   time.Duration
	Clients    []LocalClient
}

type registeredClient struct {
	id           string
	name         string
	hashedSecret []byte // nil for public clients
	redirectURIs []string
	scopes       []string
}

func (c *registeredClient) public() bool {
	return c.hashedSecret == nil
}

type pendingAuthz struct {
	clientID        string
	redirectURI     string
	state           string
	scopes          []string
	challenge       string
	proposedSubject string
	consumed        bool
}

type issuedCode struct {
	clientID    string
	redirectURI string
	challenge   string
	subject     string
	scopes      []string
	expiresAt   time.Time
	consumed    bool
}

type pendingToken struct {
	clientID string
	scopes   []string
	consumed bool
}

// LocalEngine is a deterministic in-process decision engine. It honors the
// full contract, including single-use tickets, so the orchestrators behave
// identically whether it or a remote engine is composed in.
type LocalEngine struct {
	issuer     string
	signingKey []byte
	tokenTTL   time.Duration
	now        func() time.Time

	mu           sync.Mutex
	clients      map[string]*registeredClient
	pending      map[string]*pendingAuthz
	codes        map[string]*issuedCode
	tokenTickets map[string]*pendingToken
}

// NewLocalEngine creates a local engine from the configured client registry.
// Client secrets are bcrypt-hashed at construction and never kept in plaintext.
func NewLocalEngine(cfg LocalConfig) (*LocalEngine, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(cfg.SigningKey))
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	clients := make(map[string]*registeredClient, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if c.ID == "" {
			return nil, fmt.Errorf("client id is required")
		}
		if len(c.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %s: at least one redirect URI is required", c.ID)
		}

		registered := &registeredClient{
			id:           c.ID,
			name:         c.Name,
			redirectURIs: c.RedirectURIs,
			scopes:       c.Scopes,
		}
		if c.Secret != "" {
			hashed, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("client %s: hashing secret: %w", c.ID, err)
			}
			registered.hashedSecret = hashed
		}
		clients[c.ID] = registered
	}

	return &LocalEngine{
		issuer:       cfg.Issuer,
		signingKey:   cfg.SigningKey,
		tokenTTL:     cfg.TokenTTL,
		now:          time.Now,
		clients:      clients,
		pending:      make(map[string]*pendingAuthz),
		codes:        make(map[string]*issuedCode),
		tokenTickets: make(map[string]*pendingToken),
	}, nil
}

// errorPayload builds an OAuth error body from fosite's RFC 6749 catalog.
// A non-empty description overrides the canonical one.
func errorPayload(rfcErr *fosite.RFC6749Error, description string) string {
	if description == "" {
		description = rfcErr.DescriptionField
	}
	body, _ := json.Marshal(map[string]string{
		"error":             rfcErr.ErrorField,
		"error_description": description,
	})
	return string(body)
}

func badRequest(rfcErr *fosite.RFC6749Error, description string) Action {
	return Action{Kind: ActionBadRequest, ResponseContent: errorPayload(rfcErr, description)}
}

// errorRedirect builds a LOCATION action carrying the error in the redirect
// query, used once the redirect URI is known to be registered
func errorRedirect(redirectURI, state string, rfcErr *fosite.RFC6749Error, description string) Action {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return badRequest(rfcErr, description)
	}

	q := u.Query()
	q.Set("error", rfcErr.ErrorField)
	if description == "" {
		description = rfcErr.DescriptionField
	}
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return Action{Kind: ActionLocation, ResponseContent: u.String()}
}

func (e *LocalEngine) ProcessAuthorization(_ context.Context, parameters string) (Action, error) {
	values, err := url.ParseQuery(parameters)
	if err != nil {
		return badRequest(fosite.ErrInvalidRequest, "malformed authorization request parameters"), nil
	}

	clientID := values.Get("client_id")
	if clientID == "" {
		return badRequest(fosite.ErrInvalidRequest, "client_id is required"), nil
	}

	e.mu.Lock()
	client, ok := e.clients[clientID]
	e.mu.Unlock()
	if !ok {
		return badRequest(fosite.ErrInvalidClient, fmt.Sprintf("unknown client %q", clientID)), nil
	}

	// Errors are reported directly until the redirect URI is validated against
	// the registration; only then may they travel on the redirect.
	redirectURI := values.Get("redirect_uri")
	if redirectURI == "" {
		return badRequest(fosite.ErrInvalidRequest, "redirect_uri is required"), nil
	}
	if !registeredRedirect(client, redirectURI) {
		return badRequest(fosite.ErrInvalidRequest, "redirect_uri is not registered for this client"), nil
	}

	state := values.Get("state")

	if values.Get("response_type") != "code" {
		return errorRedirect(redirectURI, state, fosite.ErrUnsupportedResponseType, "only response_type=code is supported"), nil
	}

	var scopes []string
	if scopeStr := values.Get("scope"); scopeStr != "" {
		scopes = strings.Fields(scopeStr)
	}
	if len(client.scopes) > 0 {
		for _, s := range scopes {
			if !slices.Contains(client.scopes, s) {
				return errorRedirect(redirectURI, state, fosite.ErrInvalidScope, fmt.Sprintf("scope %q is not granted to this client", s)), nil
			}
		}
	}

	challenge := values.Get("code_challenge")
	method := values.Get("code_challenge_method")
	if client.public() && challenge == "" {
		return errorRedirect(redirectURI, state, fosite.ErrInvalidRequest, "PKCE code_challenge is required for public clients"), nil
	}
	if challenge != "" && method != "S256" {
		return errorRedirect(redirectURI, state, fosite.ErrInvalidRequest, "only code_challenge_method=S256 is supported"), nil
	}

	ticket := uuid.NewString()
	proposed := values.Get("login_hint")

	e.mu.Lock()
	e.pending[ticket] = &pendingAuthz{
		clientID:        clientID,
		redirectURI:     redirectURI,
		state:           state,
		scopes:          scopes,
		challenge:       challenge,
		proposedSubject: proposed,
	}
	e.mu.Unlock()

	log.LogDebugWithFields("engine", "Authorization suspended for interaction", map[string]any{
		"client": clientID,
		"ticket": ticket,
	})

	return Action{
		Kind:       ActionInteraction,
		Ticket:     ticket,
		ClientName: client.name,
		Subject:    proposed,
	}, nil
}

func (e *LocalEngine) IssueAuthorization(_ context.Context, ticket, subject string) (Action, error) {
	e.mu.Lock()
	authz, err := e.takePending(ticket)
	e.mu.Unlock()
	if err != nil {
		return Action{}, err
	}

	if subject == "" {
		return badRequest(fosite.ErrInvalidRequest, "subject is required to issue an authorization"), nil
	}

	code, err := crypto.GenerateSecureToken()
	if err != nil {
		return Action{Kind: ActionInternalError, ResponseContent: errorPayload(fosite.ErrServerError, "")}, nil
	}

	e.mu.Lock()
	e.codes[code] = &issuedCode{
		clientID:    authz.clientID,
		redirectURI: authz.redirectURI,
		challenge:   authz.challenge,
		subject:     subject,
		scopes:      authz.scopes,
		expiresAt:   e.now().Add(codeLifespan),
	}
	e.mu.Unlock()

	u, err := url.Parse(authz.redirectURI)
	if err != nil {
		return Action{Kind: ActionInternalError, ResponseContent: errorPayload(fosite.ErrServerError, "")}, nil
	}
	q := u.Query()
	q.Set("code", code)
	if authz.state != "" {
		q.Set("state", authz.state)
	}
	u.RawQuery = q.Encode()

	return Action{Kind: ActionLocation, ResponseContent: u.String()}, nil
}

func (e *LocalEngine) FailAuthorization(_ context.Context, ticket string, reason FailReason) (Action, error) {
	e.mu.Lock()
	authz, err := e.takePending(ticket)
	e.mu.Unlock()
	if err != nil {
		return Action{}, err
	}

	var rfcErr *fosite.RFC6749Error
	switch reason {
	case FailDenied:
		rfcErr = fosite.ErrAccessDenied
	case FailNotAuthenticated:
		rfcErr = fosite.ErrLoginRequired
	default:
		rfcErr = fosite.ErrServerError
	}

	return errorRedirect(authz.redirectURI, authz.state, rfcErr, ""), nil
}

func (e *LocalEngine) ProcessToken(_ context.Context, parameters string, creds *ClientCredentials) (Action, error) {
	values, err := url.ParseQuery(parameters)
	if err != nil || len(values) == 0 {
		return badRequest(fosite.ErrInvalidRequest, "malformed token request parameters"), nil
	}

	grantType := values.Get("grant_type")
	if grantType == "" {
		return badRequest(fosite.ErrInvalidRequest, "grant_type is required"), nil
	}

	// Header credentials take precedence over body credentials
	clientID := values.Get("client_id")
	clientSecret := values.Get("client_secret")
	if creds != nil {
		clientID = creds.ID
		clientSecret = creds.Secret
	}

	e.mu.Lock()
	client, ok := e.clients[clientID]
	e.mu.Unlock()
	if !ok {
		return badRequest(fosite.ErrInvalidClient, fmt.Sprintf("unknown client %q", clientID)), nil
	}
	if !client.public() {
		if bcrypt.CompareHashAndPassword(client.hashedSecret, []byte(clientSecret)) != nil {
			return badRequest(fosite.ErrInvalidClient, "client authentication failed"), nil
		}
	}

	switch grantType {
	case "authorization_code":
		return e.exchangeCode(values, client), nil

	case "client_credentials":
		if client.public() {
			return badRequest(fosite.ErrUnauthorizedClient, "client_credentials requires a confidential client"), nil
		}
		return e.tokenResponse(client.id, client.id, client.scopes), nil

	case "password":
		// Resource owner credentials are verified by the front, not here. The
		// ticket suspends the token request until that check resolves it.
		ticket := uuid.NewString()
		var scopes []string
		if scopeStr := values.Get("scope"); scopeStr != "" {
			scopes = strings.Fields(scopeStr)
		}

		e.mu.Lock()
		e.tokenTickets[ticket] = &pendingToken{clientID: client.id, scopes: scopes}
		e.mu.Unlock()

		return Action{Kind: ActionPassword, Ticket: ticket}, nil

	default:
		return badRequest(fosite.ErrUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", grantType)), nil
	}
}

func (e *LocalEngine) exchangeCode(values url.Values, client *registeredClient) Action {
	codeValue := values.Get("code")
	if codeValue == "" {
		return badRequest(fosite.ErrInvalidRequest, "code is required")
	}

	e.mu.Lock()
	grant, ok := e.codes[codeValue]
	if ok && !grant.consumed {
		grant.consumed = true
	} else {
		ok = false
	}
	e.mu.Unlock()

	if !ok {
		return badRequest(fosite.ErrInvalidGrant, "authorization code is invalid or already used")
	}
	if e.now().After(grant.expiresAt) {
		return badRequest(fosite.ErrInvalidGrant, "authorization code has expired")
	}
	if grant.clientID != client.id {
		return badRequest(fosite.ErrInvalidGrant, "authorization code was issued to a different client")
	}
	if grant.redirectURI != values.Get("redirect_uri") {
		return badRequest(fosite.ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if grant.challenge != "" {
		verifier := values.Get("code_verifier")
		if verifier == "" {
			return badRequest(fosite.ErrInvalidGrant, "code_verifier is required")
		}
		if !pkce.Verify(verifier, grant.challenge) {
			return badRequest(fosite.ErrInvalidGrant, "PKCE verification failed")
		}
	}

	return e.tokenResponse(grant.subject, grant.clientID, grant.scopes)
}

func (e *LocalEngine) IssueToken(_ context.Context, ticket, subject string) (Action, error) {
	e.mu.Lock()
	pending, err := e.takeTokenTicket(ticket)
	e.mu.Unlock()
	if err != nil {
		return Action{}, err
	}

	if subject == "" {
		return badRequest(fosite.ErrInvalidRequest, "subject is required to issue a token"), nil
	}
	return e.tokenResponse(subject, pending.clientID, pending.scopes), nil
}

func (e *LocalEngine) FailToken(_ context.Context, ticket string, reason TokenFailReason) (Action, error) {
	e.mu.Lock()
	_, err := e.takeTokenTicket(ticket)
	e.mu.Unlock()
	if err != nil {
		return Action{}, err
	}

	description := "token request failed"
	if reason == TokenFailInvalidResourceOwnerCredentials {
		description = "resource owner credentials are invalid"
	}
	return badRequest(fosite.ErrInvalidGrant, description), nil
}

// takePending consumes an authorization ticket. Callers hold e.mu.
func (e *LocalEngine) takePending(ticket string) (*pendingAuthz, error) {
	authz, ok := e.pending[ticket]
	if !ok || authz.consumed {
		return nil, fmt.Errorf("%w: %s", ErrTicketConsumed, ticket)
	}
	authz.consumed = true
	return authz, nil
}

// takeTokenTicket consumes a token ticket. Callers hold e.mu.
func (e *LocalEngine) takeTokenTicket(ticket string) (*pendingToken, error) {
	pending, ok := e.tokenTickets[ticket]
	if !ok || pending.consumed {
		return nil, fmt.Errorf("%w: %s", ErrTicketConsumed, ticket)
	}
	pending.consumed = true
	return pending, nil
}

func (e *LocalEngine) tokenResponse(subject, clientID string, scopes []string) Action {
	now := e.now()
	claims := jwt.MapClaims{
		"iss": e.issuer,
		"sub": subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(e.tokenTTL).Unix(),
		"jti": uuid.NewString(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
	if err != nil {
		log.LogError("Failed to sign access token: %v", err)
		return Action{Kind: ActionInternalError, ResponseContent: errorPayload(fosite.ErrServerError, "")}
	}

	response := map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   int(e.tokenTTL.Seconds()),
	}
	if len(scopes) > 0 {
		response["scope"] = strings.Join(scopes, " ")
	}
	body, _ := json.Marshal(response)

	return Action{Kind: ActionOK, ResponseContent: string(body)}
}

func registeredRedirect(client *registeredClient, redirectURI string) bool {
	return slices.Contains(client.redirectURIs, redirectURI)
}

var _ Engine = (*LocalEngine)(nil)
