// Package credential resolves the system credentials a manifest binds to a
// tool at load time. The Store interface has two implementations, a
// wincred-backed OS keychain and an in-memory store for tests and
// non-Windows development; OAuthResolver is a separate type (not a Store)
// that fetches OAuth2 client-credentials tokens, suited to the daemon's
// headless, non-interactive context.
package credential

import (
	"context"
	"fmt"
	"sync"

	"github.com/danieljoos/wincred"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

// Store resolves a named credential field for a tool to its secret value.
type Store interface {
	Get(toolName, field string) (string, error)
	Set(toolName, field, value string) error
	Delete(toolName, field string) error
}

// Keychain stores secrets in the OS credential manager via wincred, under a
// "prefix:tool:field" key scheme.
type Keychain struct {
	prefix string
}

// NewKeychain returns a Keychain namespaced under prefix.
func NewKeychain(prefix string) *Keychain {
	return &Keychain{prefix: prefix}
}

func (k *Keychain) key(toolName, field string) string {
	return fmt.Sprintf("%s:%s:%s", k.prefix, toolName, field)
}

func (k *Keychain) Get(toolName, field string) (string, error) {
	cred, err := wincred.GetGenericCredential(k.key(toolName, field))
	if err != nil {
		return "", toolhosterr.Wrap(toolhosterr.NotFound, fmt.Sprintf("credential %s/%s", toolName, field), err)
	}
	return string(cred.CredentialBlob), nil
}

func (k *Keychain) Set(toolName, field, value string) error {
	cred := wincred.NewGenericCredential(k.key(toolName, field))
	cred.CredentialBlob = []byte(value)
	cred.Persist = wincred.PersistLocalMachine
	if err := cred.Write(); err != nil {
		return toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("store credential %s/%s", toolName, field), err)
	}
	return nil
}

func (k *Keychain) Delete(toolName, field string) error {
	cred, err := wincred.GetGenericCredential(k.key(toolName, field))
	if err != nil {
		return toolhosterr.Wrap(toolhosterr.NotFound, fmt.Sprintf("credential %s/%s", toolName, field), err)
	}
	if err := cred.Delete(); err != nil {
		return toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("delete credential %s/%s", toolName, field), err)
	}
	return nil
}

// MemoryStore is a process-local Store used in tests and on platforms
// without a usable OS credential manager.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) key(toolName, field string) string {
	return toolName + "\x00" + field
}

func (m *MemoryStore) Get(toolName, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[m.key(toolName, field)]
	if !ok {
		return "", toolhosterr.New(toolhosterr.NotFound, fmt.Sprintf("credential %s/%s", toolName, field))
	}
	return v, nil
}

func (m *MemoryStore) Set(toolName, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[m.key(toolName, field)] = value
	return nil
}

func (m *MemoryStore) Delete(toolName, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(toolName, field)
	if _, ok := m.values[key]; !ok {
		return toolhosterr.New(toolhosterr.NotFound, fmt.Sprintf("credential %s/%s", toolName, field))
	}
	delete(m.values, key)
	return nil
}

// OAuthResolver exchanges a manifest-declared OAuth2 client-credentials
// configuration for a bearer token, caching the token until it expires. The
// daemon has no interactive session to drive a user through an
// authorization-code or PKCE flow, so it uses the client-credentials grant
// alone.
type OAuthResolver struct {
	config *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewOAuthResolver builds a resolver for a client-credentials grant against
// tokenURL.
func NewOAuthResolver(clientID, clientSecret, tokenURL string, scopes []string) *OAuthResolver {
	return &OAuthResolver{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

// Token returns a cached valid bearer token, fetching a new one if absent or
// expired.
func (r *OAuthResolver) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != nil && r.token.Valid() {
		return r.token.AccessToken, nil
	}

	token, err := r.config.Token(ctx)
	if err != nil {
		return "", toolhosterr.Wrap(toolhosterr.Io, "fetch oauth2 client-credentials token", err)
	}
	r.token = token
	return token.AccessToken, nil
}

// ResolveSystemCredentials looks up every field a manifest's credential
// block declares for a tool and returns the values that resolved
// successfully. A field the store doesn't have is silently omitted rather
// than failing the whole load, since an optional credential (e.g. an
// override for a tool with a working default) should not block startup.
func ResolveSystemCredentials(store Store, toolName string, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		if value, err := store.Get(toolName, field); err == nil {
			out[field] = value
		}
	}
	return out
}
