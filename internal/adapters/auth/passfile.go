// Package auth resolves credentials for the platform API.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/jobrunner/orbis/internal/domain"
)

// LookupPassword reads a colon-delimited credentials file with lines of the
// form server:user:password and returns the password for server and user.
// Passwords may contain colons. Lines starting with # are ignored.
func LookupPassword(path, server, user string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}

	f, err := os.Open(expanded) //#nosec G304 -- path is operator configuration
	if err != nil {
		return "", fmt.Errorf("opening password file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == server && parts[1] == user {
			return parts[2], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("no password for %s@%s in %s: %w", user, server, expanded, domain.ErrNotFound)
}
