package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
)

func TestBootstrapDevKeyCreatesFile(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "ops")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.NotEmpty(t, result.Key)
	assert.Equal(t, "ops", result.StaffID)

	ring, err := LoadKeyring(keysPath)
	require.NoError(t, err)
	id, ok := ring.IdentityForKey(result.Key)
	require.True(t, ok)
	assert.Equal(t, "ops", id.UserID)
	assert.Equal(t, core.RoleAdmin, id.Role)
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "test-keys.yaml")
	require.NoError(t, os.WriteFile(keysPath, []byte("existing"), 0600))

	result, err := BootstrapDevKey(keysPath, "ops")
	require.NoError(t, err)
	assert.False(t, result.Created)

	data, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data), "file was modified")
}

func TestBootstrapDevKeyDefaultStaff(t *testing.T) {
	result, err := BootstrapDevKey(filepath.Join(t.TempDir(), "k.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, "admin", result.StaffID)
}

func TestAddStaffKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.yaml")

	_, err := AddStaffKey(path, "cust", core.RoleCustomer, "")
	assert.ErrorIs(t, err, core.ErrInvalidRole)

	k1, err := AddStaffKey(path, "agent-a", core.RoleAgent, "Ann")
	require.NoError(t, err)
	k2, err := AddStaffKey(path, "agent-a", core.RoleAgent, "")
	require.NoError(t, err)

	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	for _, k := range []string{k1, k2} {
		id, ok := ring.IdentityForKey(k)
		require.True(t, ok, "key %q", k)
		assert.Equal(t, "agent-a", id.UserID)
		assert.Equal(t, "Ann", id.Name)
	}
	assert.True(t, ring.AllowLocalhost(), "new keys file should allow localhost")
}

func TestParseKeyringRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"customer role": "staff:\n  c1:\n    role: customer\n    keys: [k]\n",
		"reused key":    "staff:\n  a:\n    role: agent\n    keys: [k]\n  b:\n    role: qa\n    keys: [k]\n",
		"not yaml":      "staff: [",
	}
	for name, body := range cases {
		_, err := parseKeyring([]byte(body))
		assert.Error(t, err, name)
	}

	ring, err := parseKeyring([]byte("default_policy:\n  allow_localhost_without_auth: false\n"))
	require.NoError(t, err)
	assert.False(t, ring.AllowLocalhost())
}
