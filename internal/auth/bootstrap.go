package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/querydesk/internal/core"
)

// BootstrapResult contains info about a bootstrapped dev key.
type BootstrapResult struct {
	KeysFile string
	StaffID  string
	Key      string
	Created  bool
}

// BootstrapDevKey writes a keys file holding one admin key for staffID when
// keysPath does not exist yet. An existing file is left untouched.
func BootstrapDevKey(keysPath, staffID string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if staffID == "" {
		staffID = "admin"
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	cfg := keysFile{
		Staff: map[string]staffKeys{
			staffID: {Role: string(core.RoleAdmin), Name: staffID, Keys: []string{key}},
		},
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{
		KeysFile: keysPath,
		StaffID:  staffID,
		Key:      key,
		Created:  true,
	}, nil
}

// GenerateKey returns a random URL-safe API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AddStaffKey appends a key for id to the keys file at path, creating the
// file when needed, and returns the new key.
func AddStaffKey(path, id string, role core.Role, name string) (string, error) {
	if !role.IsStaff() {
		return "", fmt.Errorf("%w: %q is not a staff role", core.ErrInvalidRole, role)
	}
	var cfg keysFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return "", fmt.Errorf("parse keys file: %w", err)
		}
	case os.IsNotExist(err):
		allow := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allow
	default:
		return "", fmt.Errorf("read keys file: %w", err)
	}
	if cfg.Staff == nil {
		cfg.Staff = make(map[string]staffKeys)
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	entry := cfg.Staff[id]
	entry.Role = string(role)
	if name != "" {
		entry.Name = name
	}
	entry.Keys = append(entry.Keys, key)
	cfg.Staff[id] = entry

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}
