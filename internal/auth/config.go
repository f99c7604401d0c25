package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/querydesk/internal/core"
)

const defaultKeysFile = "querydesk.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Staff map[string]staffKeys `yaml:"staff"`
}

type staffKeys struct {
	Role string   `yaml:"role"`
	Name string   `yaml:"name,omitempty"`
	Keys []string `yaml:"keys"`
}

// Keyring maps API keys to staff identities. It is safe for concurrent use
// and can be swapped in place when the keys file changes.
type Keyring struct {
	mu             sync.RWMutex
	allowLocalhost bool
	keyToIdentity  map[string]core.Identity
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("QUERYDESK_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads path, bootstrapping a dev key file when it does not
// exist yet. An empty path yields a localhost-only keyring.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := BootstrapDevKey(path, ""); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	return parseKeyring(data)
}

func parseKeyring(data []byte) (*Keyring, error) {
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.allowLocalhost = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for id, entry := range cfg.Staff {
		role := core.Role(entry.Role)
		if !role.IsStaff() {
			return nil, fmt.Errorf("staff %q: role %q is not a staff role", id, entry.Role)
		}
		for _, key := range entry.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToIdentity[key]; ok && existing.UserID != id {
				return nil, fmt.Errorf("key reused across staff: %q", key)
			}
			ring.keyToIdentity[key] = core.Identity{UserID: id, Role: role, Name: entry.Name}
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{allowLocalhost: true, keyToIdentity: make(map[string]core.Identity)}
}

func NewKeyring(allowLocalhost bool, keys map[string]core.Identity) *Keyring {
	clone := make(map[string]core.Identity, len(keys))
	for k, v := range keys {
		clone[k] = v
	}
	return &Keyring{allowLocalhost: allowLocalhost, keyToIdentity: clone}
}

func (k *Keyring) IdentityForKey(key string) (core.Identity, bool) {
	if k == nil {
		return core.Identity{}, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.keyToIdentity[key]
	return id, ok
}

func (k *Keyring) AllowLocalhost() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.allowLocalhost
}

// Replace swaps in the keys and policy of next.
func (k *Keyring) Replace(next *Keyring) {
	next.mu.RLock()
	keys, allow := next.keyToIdentity, next.allowLocalhost
	next.mu.RUnlock()

	k.mu.Lock()
	k.keyToIdentity = keys
	k.allowLocalhost = allow
	k.mu.Unlock()
}

// Len reports how many keys are loaded.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keyToIdentity)
}
