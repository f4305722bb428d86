package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/macfleet/priv-bootstrap/internal/config"
	"github.com/macfleet/priv-bootstrap/internal/fetcher"
	"github.com/macfleet/priv-bootstrap/internal/installer"
	"github.com/macfleet/priv-bootstrap/internal/prefs"
	"github.com/macfleet/priv-bootstrap/internal/service/bootstrap"
)

// pkgBody is the installer package payload served by the mock release host.
var pkgBody = []byte("privileges installer package bytes")

// scriptedRunner fakes the OS tools the bootstrap shells out to.
type scriptedRunner struct {
	mu               sync.Mutex
	installedVersion string
	calls            [][]string
}

func (s *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string{name}, args...))
	s.mu.Unlock()

	if name == "/usr/bin/defaults" && len(args) >= 3 && args[0] == "read" {
		if strings.HasPrefix(args[1], "/Applications/Privileges.app") {
			s.mu.Lock()
			installed := s.installedVersion
			s.mu.Unlock()

			if installed == "" {
				return nil, errors.New("does not exist")
			}

			return []byte(installed + "\n"), nil
		}

		// Preference lists start out unwritten.
		return nil, errors.New("does not exist")
	}

	return nil, nil
}

func (s *scriptedRunner) setInstalledVersion(version string) {
	s.mu.Lock()
	s.installedVersion = version
	s.mu.Unlock()
}

// countCalls returns how many recorded invocations used the given tool.
func (s *scriptedRunner) countCalls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int

	for _, call := range s.calls {
		if call[0] == tool {
			count++
		}
	}

	return count
}

// wroteKey reports whether a defaults write for the key was recorded.
func (s *scriptedRunner) wroteKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, call := range s.calls {
		if len(call) >= 4 && call[1] == "write" && call[3] == key {
			return true
		}
	}

	return false
}

// startReleaseServer serves the package over TLS and counts download hits.
func startReleaseServer(t *testing.T, downloads *atomic.Int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/2.5.0/Privileges_2.5.0.pkg", func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		_, _ = w.Write(pkgBody)
	})

	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

// writeTestConfig persists a configuration pointing at the mock release host.
func writeTestConfig(t *testing.T, baseURL, digest string) string {
	t.Helper()

	cfg := config.Default()
	cfg.DownloadBaseURL = baseURL
	cfg.PackageDigest = digest
	cfg.ExcludedUsers = []string{"breakglass"}

	path := filepath.Join(t.TempDir(), config.DefaultConfigFilename)
	require.NoError(t, config.Save(path, cfg))

	return path
}

// fakeBrew creates a file standing in for an installed brew binary.
func fakeBrew(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "brew")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"), 0o755))

	return path
}

// testOptions wires all fakes into the bootstrap runner.
func testOptions(ts *httptest.Server, sys *scriptedRunner, brewPath string) []bootstrap.Option {
	return []bootstrap.Option{
		bootstrap.WithFetcher(fetcher.New(fetcher.WithTransport(ts.Client().Transport))),
		bootstrap.WithInstaller(installer.New(sys)),
		bootstrap.WithPreferenceStore(prefs.New(sys, "")),
		bootstrap.WithSystemRunner(sys),
		bootstrap.WithBrewPaths(brewPath),
		bootstrap.WithoutKeepAlive(),
	}
}

// TestBootstrap_InstallsAndIsIdempotent runs the full flow twice: the first
// run downloads, installs and writes preferences; the second performs zero
// additional downloads and no reinstall.
func TestBootstrap_InstallsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	var downloads atomic.Int64

	ts := startReleaseServer(t, &downloads)

	digest := sha256.Sum256(pkgBody)
	cfgPath := writeTestConfig(t, ts.URL, hex.EncodeToString(digest[:]))

	sys := &scriptedRunner{}
	opts := &bootstrap.Options{ConfigPath: cfgPath}

	require.NoError(t, bootstrap.Run(context.Background(), opts, testOptions(ts, sys, fakeBrew(t))...))
	require.Equal(t, int64(1), downloads.Load())
	require.Equal(t, 1, sys.countCalls("/usr/sbin/installer"))
	require.True(t, sys.wroteKey(prefs.KeyExpirationInterval))
	require.True(t, sys.wroteKey(prefs.KeyRevokeAtLogin))
	require.True(t, sys.wroteKey(prefs.KeyExcludeUsers))

	// Second run with the pinned version already present: no download, no install.
	sys.setInstalledVersion("2.5.0")
	require.NoError(t, bootstrap.Run(context.Background(), opts, testOptions(ts, sys, fakeBrew(t))...))
	require.Equal(t, int64(1), downloads.Load())
	require.Equal(t, 1, sys.countCalls("/usr/sbin/installer"))
}

// TestBootstrap_DigestMismatchNeverInstalls pins a digest the served bytes do
// not match and verifies the installer is never invoked.
func TestBootstrap_DigestMismatchNeverInstalls(t *testing.T) {
	t.Parallel()

	var downloads atomic.Int64

	ts := startReleaseServer(t, &downloads)
	cfgPath := writeTestConfig(t, ts.URL, strings.Repeat("ab", 32))

	sys := &scriptedRunner{}
	opts := &bootstrap.Options{ConfigPath: cfgPath}

	err := bootstrap.Run(context.Background(), opts, testOptions(ts, sys, fakeBrew(t))...)
	require.ErrorIs(t, err, fetcher.ErrDigestMismatch)
	require.Zero(t, sys.countCalls("/usr/sbin/installer"))
}

// TestBootstrap_FetchErrorFails surfaces a missing release as a failure.
func TestBootstrap_FetchErrorFails(t *testing.T) {
	t.Parallel()

	ts := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	digest := sha256.Sum256(pkgBody)
	cfgPath := writeTestConfig(t, ts.URL, hex.EncodeToString(digest[:]))

	sys := &scriptedRunner{}
	opts := &bootstrap.Options{ConfigPath: cfgPath}

	err := bootstrap.Run(context.Background(), opts, testOptions(ts, sys, fakeBrew(t))...)
	require.Error(t, err)
	require.Zero(t, sys.countCalls("/usr/sbin/installer"))
}

// TestBootstrap_FreshSessionAfterBrewInstall treats a just-installed package
// manager as a successful early exit: no download, no install, no error.
func TestBootstrap_FreshSessionAfterBrewInstall(t *testing.T) {
	t.Parallel()

	var downloads atomic.Int64

	ts := startReleaseServer(t, &downloads)

	digest := sha256.Sum256(pkgBody)
	cfgPath := writeTestConfig(t, ts.URL, hex.EncodeToString(digest[:]))

	sys := &scriptedRunner{}
	opts := &bootstrap.Options{ConfigPath: cfgPath}
	missingBrew := filepath.Join(t.TempDir(), "missing", "brew")

	require.NoError(t, bootstrap.Run(context.Background(), opts, testOptions(ts, sys, missingBrew)...))
	require.Equal(t, 1, sys.countCalls("/bin/bash"))
	require.Zero(t, downloads.Load())
	require.Zero(t, sys.countCalls("/usr/sbin/installer"))
}

// TestBootstrap_VerifyOnly downloads and verifies without touching the system.
func TestBootstrap_VerifyOnly(t *testing.T) {
	t.Parallel()

	var downloads atomic.Int64

	ts := startReleaseServer(t, &downloads)

	digest := sha256.Sum256(pkgBody)
	cfgPath := writeTestConfig(t, ts.URL, hex.EncodeToString(digest[:]))

	sys := &scriptedRunner{}
	opts := &bootstrap.Options{ConfigPath: cfgPath, VerifyOnly: true}

	require.NoError(t, bootstrap.Run(context.Background(), opts, testOptions(ts, sys, fakeBrew(t))...))
	require.Equal(t, int64(1), downloads.Load())
	require.Zero(t, sys.countCalls("/usr/sbin/installer"))
	require.False(t, sys.wroteKey(prefs.KeyExpirationInterval))
}
