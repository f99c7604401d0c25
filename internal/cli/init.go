// Package cli holds the pieces of the querydesk command that are worth
// testing without a process: key file setup and table output.
package cli

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/core"
)

// InitKeysFile adds an API key for staffID to the keys file at path and
// returns it. The file is created with localhost access allowed when it
// does not exist yet.
func InitKeysFile(path, staffID string, role core.Role, name string) (string, error) {
	path = strings.TrimSpace(path)
	staffID = strings.TrimSpace(staffID)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if staffID == "" {
		return "", fmt.Errorf("staff id required")
	}
	if role == "" {
		role = core.RoleAgent
	}
	return auth.AddStaffKey(path, staffID, role, strings.TrimSpace(name))
}
