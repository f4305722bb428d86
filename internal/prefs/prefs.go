package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/macfleet/priv-bootstrap/internal/logger"
	"github.com/macfleet/priv-bootstrap/internal/sysexec"
)

const (
	// defaultsTool writes and reads preference keys.
	defaultsTool = "/usr/bin/defaults"

	// Domain is the system-wide preference domain of the Privileges app.
	Domain = "/Library/Preferences/corp.sap.privileges"

	// KeyExpirationInterval holds the privilege timeout in minutes.
	KeyExpirationInterval = "ExpirationInterval"
	// KeyRevokeAtLogin revokes admin rights at every login.
	KeyRevokeAtLogin = "RevokePrivilegesAtLogin"
	// KeyRequireAuthentication asks for authentication before granting rights.
	// Older app versions ignore it, so writes to this key are non-critical.
	KeyRequireAuthentication = "RequireAuthentication"
	// KeyExcludeUsers lists accounts exempt from automatic revocation.
	KeyExcludeUsers = "ExcludeUsers"
)

// ErrWriteFailed reports a failed preference write.
var ErrWriteFailed = errors.New("preference write failed")

// Store writes typed values into a system-wide preference domain.
type Store struct {
	runner sysexec.Runner
	domain string
}

// New creates a Store for the given domain. A nil runner defaults to
// executing real commands; an empty domain defaults to the Privileges domain.
func New(runner sysexec.Runner, domain string) *Store {
	if runner == nil {
		runner = sysexec.ExecRunner{}
	}

	if domain == "" {
		domain = Domain
	}

	return &Store{runner: runner, domain: domain}
}

// SetInteger writes an integer preference key.
func (s *Store) SetInteger(ctx context.Context, key string, value int) error {
	return s.write(ctx, key, "-int", strconv.Itoa(value))
}

// SetBool writes a boolean preference key.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.write(ctx, key, "-bool", strconv.FormatBool(value))
}

// AppendUnique appends users to an array preference key, skipping entries
// already present. Membership is exact-element equality: substring matches
// against other usernames must not suppress an append.
func (s *Store) AppendUnique(ctx context.Context, key string, users ...string) error {
	current, err := s.readList(ctx, key)
	if err != nil {
		return err
	}

	existing := make(map[string]struct{}, len(current))
	for _, user := range current {
		existing[user] = struct{}{}
	}

	for _, user := range users {
		if _, found := existing[user]; found {
			logger.Debugf(ctx, "User %s already excluded, skipping", user)
			continue
		}

		if err := s.write(ctx, key, "-array-add", user); err != nil {
			return err
		}

		existing[user] = struct{}{}
	}

	return nil
}

// write invokes `defaults write` for a single key.
func (s *Store) write(ctx context.Context, key, typeFlag, value string) error {
	output, err := s.runner.Run(ctx, defaultsTool, "write", s.domain, key, typeFlag, value)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %s",
			ErrWriteFailed, s.domain, key, strings.TrimSpace(string(output)))
	}

	logger.Debugf(ctx, "Preference set: %s %s = %s", s.domain, key, value)

	return nil
}

// readList reads an array preference key. A missing key reads as empty.
func (s *Store) readList(ctx context.Context, key string) ([]string, error) {
	output, err := s.runner.Run(ctx, defaultsTool, "read", s.domain, key)
	if err != nil {
		// `defaults read` exits non-zero for keys that were never written.
		return nil, nil
	}

	return parseArray(string(output)), nil
}

// parseArray extracts string elements from `defaults read` array output,
// which looks like:
//
//	(
//	    "admin",
//	    localadmin
//	)
func parseArray(output string) []string {
	var elements []string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, ",")

		if line == "" || line == "(" || line == ")" {
			continue
		}

		line = strings.Trim(line, `"`)
		if line != "" {
			elements = append(elements, line)
		}
	}

	return elements
}
