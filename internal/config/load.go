package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Load reads the config file, resolves {"$env": "VAR"} references, and validates
// the result. Secrets must be provided through env references so that config
// files stay safe to commit.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	resolved, err := resolveEnvRefs(raw)
	if err != nil {
		return Config{}, fmt.Errorf("resolving environment references: %w", err)
	}

	resolvedData, err := json.Marshal(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("re-encoding config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(resolvedData, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// resolveEnvRefs walks the raw config and replaces {"$env": "VAR"} maps with
// the value of the named environment variable
func resolveEnvRefs(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if name, ok := v["$env"].(string); ok && len(v) == 1 {
			value, found := os.LookupEnv(name)
			if !found {
				return nil, fmt.Errorf("environment variable %s is not set", name)
			}
			return value, nil
		}
		resolved := make(map[string]any, len(v))
		for key, child := range v {
			childResolved, err := resolveEnvRefs(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			resolved[key] = childResolved
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, child := range v {
			childResolved, err := resolveEnvRefs(child)
			if err != nil {
				return nil, err
			}
			resolved[i] = childResolved
		}
		return resolved, nil
	default:
		return node, nil
	}
}

func applyDefaults(config *Config) {
	if config.Addr == "" {
		config.Addr = ":3000"
	}
	if config.Engine.Kind == "" {
		config.Engine.Kind = EngineKindLocal
	}
	if config.Engine.TokenTTL == 0 {
		config.Engine.TokenTTL = Duration(time.Hour)
	}
	if config.Sessions.Store == "" {
		config.Sessions.Store = SessionStoreMemory
	}
	if config.Sessions.TTL == 0 {
		config.Sessions.TTL = Duration(time.Hour)
	}
	if config.Sessions.FirestoreDatabase == "" {
		config.Sessions.FirestoreDatabase = "(default)"
	}
	if config.Sessions.FirestoreCollection == "" {
		config.Sessions.FirestoreCollection = "oidc_front_sessions"
	}
}

// Validate checks the resolved configuration
func Validate(config *Config) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	switch config.Engine.Kind {
	case EngineKindHTTP:
		if config.Engine.BaseURL == "" {
			return fmt.Errorf("engine.baseUrl is required for the http engine")
		}
		if config.Engine.ServiceID == "" {
			return fmt.Errorf("engine.serviceId is required for the http engine")
		}
		if config.Engine.Bearer == "" {
			return fmt.Errorf("engine.bearer is required for the http engine")
		}
	case EngineKindLocal:
		if len(config.Engine.SigningKey) > 0 && len(config.Engine.SigningKey) < 32 {
			return fmt.Errorf("engine.signingKey must be at least 32 bytes, got %d", len(config.Engine.SigningKey))
		}
		for i, client := range config.Engine.Clients {
			if client.ID == "" {
				return fmt.Errorf("engine.clients[%d]: id is required", i)
			}
			if len(client.RedirectURIs) == 0 {
				return fmt.Errorf("engine.clients[%d] (%s): at least one redirect URI is required", i, client.ID)
			}
		}
	default:
		return fmt.Errorf("unknown engine kind: %s", config.Engine.Kind)
	}

	switch config.Sessions.Store {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if config.Sessions.RedisAddr == "" {
			return fmt.Errorf("sessions.redisAddr is required for the redis store")
		}
	case SessionStoreFirestore:
		if config.Sessions.GCPProject == "" {
			return fmt.Errorf("sessions.gcpProject is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown session store: %s", config.Sessions.Store)
	}

	for i, user := range config.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password or passwordHash is required", i, user.Username)
		}
	}

	return nil
}
