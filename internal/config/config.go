package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Duration wraps time.Duration for "1h30m"-style JSON config values
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"1h\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EngineKind selects the decision engine implementation at composition time
type EngineKind string

const (
	// EngineKindLocal runs the in-process substitute engine
	EngineKindLocal EngineKind = "local"
	// EngineKindHTTP talks to a remote decision engine over its REST API
	EngineKindHTTP EngineKind = "http"
)

// SessionStoreKind selects the session ticket store backend
type SessionStoreKind string

const (
	SessionStoreMemory    SessionStoreKind = "memory"
	SessionStoreRedis     SessionStoreKind = "redis"
	SessionStoreFirestore SessionStoreKind = "firestore"
)

// ClientConfig describes an OAuth client known to the local engine
type ClientConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Secret       Secret   `json:"secret,omitempty"` // empty means public client
	RedirectURIs []string `json:"redirectUris"`
	Scopes       []string `json:"scopes,omitempty"`
}

// EngineConfig configures the decision engine client
type EngineConfig struct {
	Kind EngineKind `json:"kind"`

	// Remote engine (kind: http)
	BaseURL   string `json:"baseUrl,omitempty"`
	ServiceID string `json:"serviceId,omitempty"`
	Bearer    Secret `json:"bearer,omitempty"`

	// Local engine (kind: local)
	SigningKey Secret         `json:"signingKey,omitempty"`
	TokenTTL   Duration       `json:"tokenTtl,omitempty"`
	Clients    []ClientConfig `json:"clients,omitempty"`
}

// SessionsConfig configures the session ticket store
type SessionsConfig struct {
	Store SessionStoreKind `json:"store,omitempty"`
	TTL   Duration         `json:"ttl,omitempty"`

	// Redis
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword Secret `json:"redisPassword,omitempty"`

	// Firestore
	GCPProject          string `json:"gcpProject,omitempty"`
	FirestoreDatabase   string `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string `json:"firestoreCollection,omitempty"`
}

// UserConfig describes a resource owner the credential check knows about
type UserConfig struct {
	Username string `json:"username"`
	Password Secret `json:"password,omitempty"`
	// PasswordHash is a pre-computed bcrypt hash; takes precedence over Password
	PasswordHash string `json:"passwordHash,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// Config is the root configuration
type Config struct {
	Addr     string         `json:"addr"`
	Issuer   string         `json:"issuer"`
	CSRFKey  Secret         `json:"csrfKey,omitempty"`
	Engine   EngineConfig   `json:"engine"`
	Sessions SessionsConfig `json:"sessions"`
	Users    []UserConfig   `json:"users,omitempty"`
}
