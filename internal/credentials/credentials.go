// Package credentials stores and retrieves the remote-service
// credentials using the OS-native keyring, with an environment-variable
// fallback for headless and CI use.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// service is the keyring service name all entries live under.
const service = "tasksync"

// tokenAccount is the keyring account used for the API token.
const tokenAccount = "api-token"

// Environment fallbacks, checked when the keyring has no entry.
const (
	EnvToken    = "TASKSYNC_TOKEN"
	EnvUsername = "TASKSYNC_USERNAME"
	EnvPassword = "TASKSYNC_PASSWORD"
)

// Info contains credential information returned by Get()
type Info struct {
	Source   Source // Where credentials came from
	Username string // Account identifier
	Token    string // API token (masked in display)
	Found    bool   // Whether credentials were found
}

// JSON serializes the credential info to JSON (token excluded for security)
func (i *Info) JSON() ([]byte, error) {
	output := struct {
		Username string `json:"username"`
		Source   string `json:"source"`
		Found    bool   `json:"found"`
	}{
		Username: i.Username,
		Source:   string(i.Source),
		Found:    i.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new credential manager backed by the OS keyring.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetToken stores the API token in the keyring.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token must not be empty")
	}
	return m.keyring.Set(service, tokenAccount, token)
}

// GetToken retrieves the API token, preferring the keyring over the
// environment. A missing token is not an error; check Info.Found.
func (m *Manager) GetToken(ctx context.Context) (*Info, error) {
	token, err := m.keyring.Get(service, tokenAccount)
	if err == nil && token != "" {
		return &Info{
			Source:   SourceKeyring,
			Username: tokenAccount,
			Token:    token,
			Found:    true,
		}, nil
	}

	if token := os.Getenv(EnvToken); token != "" {
		return &Info{
			Source:   SourceEnvironment,
			Username: os.Getenv(EnvUsername),
			Token:    token,
			Found:    true,
		}, nil
	}

	return &Info{Source: SourceNone, Found: false}, nil
}

// DeleteToken removes the API token from the keyring. Idempotent: a
// missing entry is not an error.
func (m *Manager) DeleteToken(ctx context.Context) error {
	err := m.keyring.Delete(service, tokenAccount)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// IsAuthenticated reports whether a token is available from any source.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	info, err := m.GetToken(ctx)
	return err == nil && info.Found
}
