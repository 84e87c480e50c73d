// Package users verifies resource owner credentials against a static
// directory loaded from configuration.
package users

import (
	"fmt"

	"github.com/dgellow/oidc-front/internal/config"
	"golang.org/x/crypto/bcrypt"
)

type user struct {
	passwordHash []byte
	subject      string
}

// Directory is the credential store backing the login page and the resource
// owner password grant.
type Directory struct {
	users map[string]user

	// dummyHash absorbs a bcrypt comparison for unknown usernames so lookup
	// timing does not reveal whether a username exists
	dummyHash []byte
}

// NewDirectory builds a directory from configured users. Plaintext passwords
// are hashed at load time; a precomputed hash takes precedence when both are
// set.
func NewDirectory(configs []config.UserConfig) (*Directory, error) {
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("oidc-front-dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	d := &Directory{
		users:     make(map[string]user, len(configs)),
		dummyHash: dummyHash,
	}

	for _, c := range configs {
		if c.Username == "" {
			return nil, fmt.Errorf("user entry missing username")
		}
		if _, exists := d.users[c.Username]; exists {
			return nil, fmt.Errorf("duplicate user %q", c.Username)
		}

		hash := []byte(c.PasswordHash)
		if len(hash) == 0 {
			if c.Password == "" {
				return nil, fmt.Errorf("user %q has neither password nor passwordHash", c.Username)
			}
			hash, err = bcrypt.GenerateFromPassword([]byte(string(c.Password)), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hashing password for user %q: %w", c.Username, err)
			}
		}

		subject := c.Subject
		if subject == "" {
			subject = c.Username
		}
		d.users[c.Username] = user{passwordHash: hash, subject: subject}
	}

	return d, nil
}

// Verify checks a username and password pair. On success it returns the
// subject identifier to issue tokens for.
func (d *Directory) Verify(username, password string) (string, bool) {
	u, ok := d.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(d.dummyHash, []byte(password))
		return "", false
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return "", false
	}
	return u.subject, true
}

// DefaultUsers is the development user set loaded when configuration names
// no users.
func DefaultUsers() []config.UserConfig {
	return []config.UserConfig{
		{Username: "alice", Password: "wonderland", Subject: "alice"},
		{Username: "bob", Password: "builder", Subject: "bob"},
	}
}
