package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/macfleet/priv-bootstrap/internal/config"
	"github.com/macfleet/priv-bootstrap/internal/fetcher"
	"github.com/macfleet/priv-bootstrap/internal/installer"
	"github.com/macfleet/priv-bootstrap/internal/logger"
	"github.com/macfleet/priv-bootstrap/internal/prefs"
	"github.com/macfleet/priv-bootstrap/internal/scratch"
	"github.com/macfleet/priv-bootstrap/internal/sudokeep"
	"github.com/macfleet/priv-bootstrap/internal/sysexec"
)

const (
	// artifactName identifies the pinned artifact in logs and results.
	artifactName = "Privileges"

	// Tools driving the collaborator steps.
	pgrepTool          = "/usr/bin/pgrep"
	softwareUpdateTool = "/usr/sbin/softwareupdate"
	shellTool          = "/bin/bash"

	// rosettaDaemon is the translation daemon present once Rosetta 2 is installed.
	rosettaDaemon = "oahd"

	// brewInstallCommand is the official Homebrew installation one-liner.
	brewInstallCommand = `/bin/bash -c "$(curl -fsSL https://raw.githubusercontent.com/Homebrew/install/HEAD/install.sh)"`
)

// brewLocations are the standard Homebrew prefixes on Apple silicon and Intel.
//
//nolint:gochecknoglobals // Fixed list of well-known paths.
var brewLocations = []string{"/opt/homebrew/bin/brew", "/usr/local/bin/brew"}

// ErrFreshSessionRequired signals that the package manager was just installed
// and the user must start a fresh session before re-running. The bootstrap
// treats it as a successful early exit.
var ErrFreshSessionRequired = errors.New("package manager installed, fresh session required")

// Options are inputs accepted by the bootstrap entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// VerifyOnly downloads and verifies the pinned package without
	// installing it or touching system state.
	VerifyOnly bool
	// ShowProgress renders a download progress bar on the terminal.
	ShowProgress bool
}

// runner holds the collaborators for a single bootstrap execution.
// It is intentionally unexported—call Run(ctx, Options) from callers.
type runner struct {
	cfg       *config.Config
	fetch     *fetcher.Fetcher
	install   *installer.Installer
	store     *prefs.Store
	sys       sysexec.Runner
	brewPaths []string
	keepAlive bool
}

// Option overrides a collaborator, primarily for tests.
type Option func(*runner)

// WithFetcher replaces the artifact fetcher.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(r *runner) { r.fetch = f }
}

// WithInstaller replaces the package installer.
func WithInstaller(i *installer.Installer) Option {
	return func(r *runner) { r.install = i }
}

// WithPreferenceStore replaces the preference writer.
func WithPreferenceStore(s *prefs.Store) Option {
	return func(r *runner) { r.store = s }
}

// WithSystemRunner replaces the command runner used for collaborator steps.
func WithSystemRunner(sys sysexec.Runner) Option {
	return func(r *runner) { r.sys = sys }
}

// WithBrewPaths replaces the well-known Homebrew locations.
func WithBrewPaths(paths ...string) Option {
	return func(r *runner) { r.brewPaths = paths }
}

// WithoutKeepAlive disables the privilege keep-alive loop.
func WithoutKeepAlive() Option {
	return func(r *runner) { r.keepAlive = false }
}

// Run executes the bootstrap lifecycle and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options, options ...Option) error {
	ctx = logger.WithName(ctx, "priv-bootstrap")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	r := newRunner(cfg, opts, options...)

	if err = r.run(ctx, opts.VerifyOnly); err != nil {
		if errors.Is(err, ErrFreshSessionRequired) {
			logger.Info(ctx, "Homebrew was installed; open a fresh session and re-run the bootstrap")
			return nil
		}

		logger.ErrorKV(ctx, "Bootstrap run failed", "error", err)

		return err
	}

	logger.Info(ctx, "Bootstrap completed")

	return nil
}

// newRunner wires default collaborators and applies overrides.
func newRunner(cfg *config.Config, opts *Options, options ...Option) *runner {
	r := &runner{
		cfg: cfg,
		fetch: fetcher.New(
			fetcher.WithTimeout(cfg.DownloadTimeout),
			fetcher.WithProgress(opts.ShowProgress),
		),
		install:   installer.New(nil),
		store:     prefs.New(nil, ""),
		sys:       sysexec.ExecRunner{},
		brewPaths: brewLocations,
		keepAlive: true,
	}

	for _, option := range options {
		option(r)
	}

	return r
}

// run executes the linear provisioning flow:
// 1) Keep elevated credentials fresh for the duration of the run.
// 2) Ensure Rosetta 2 on Apple silicon.
// 3) Ensure Homebrew (fresh-session early exit right after installing it).
// 4) Skip download and install when the pinned version is already present.
// 5) Fetch, verify and install the pinned package.
// 6) Write the managed preference keys.
func (r *runner) run(ctx context.Context, verifyOnly bool) error {
	if verifyOnly {
		return r.verifyArtifact(ctx)
	}

	if r.keepAlive {
		stop := sudokeep.Start(ctx, nil)
		defer stop()
	}

	if err := r.ensureRosetta(ctx); err != nil {
		return fmt.Errorf("ensure rosetta: %w", err)
	}

	if err := r.ensureHomebrew(ctx); err != nil {
		return err
	}

	if installed := r.install.InstalledVersion(ctx); installed != "" &&
		installer.CompareVersions(installed, r.cfg.PackageVersion) >= 0 {
		logger.InfoKV(ctx, "Package already installed, skipping download",
			"installed", installed, "pinned", r.cfg.PackageVersion)
	} else if err := r.installPackage(ctx); err != nil {
		return err
	}

	return r.applyPreferences(ctx)
}

// verifyArtifact performs the fetch-and-verify pipeline without installing.
func (r *runner) verifyArtifact(ctx context.Context) error {
	dir, err := scratch.New()
	if err != nil {
		return err
	}

	defer r.releaseScratch(ctx, dir)

	result, err := r.fetchArtifact(ctx, dir)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Package verified, not installing",
		"version", r.cfg.PackageVersion, "digest", result.ActualDigest)

	return nil
}

// installPackage downloads, verifies and installs the pinned package.
// The scratch directory is released on every exit path.
func (r *runner) installPackage(ctx context.Context) error {
	dir, err := scratch.New()
	if err != nil {
		return err
	}

	defer r.releaseScratch(ctx, dir)

	result, err := r.fetchArtifact(ctx, dir)
	if err != nil {
		return err
	}

	if err = r.install.CheckSignature(ctx, result.LocalPath); err != nil {
		logger.WarnKV(ctx, "Package signature check failed", "error", err)
	}

	if err = r.install.Install(ctx, result.LocalPath); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Package installed", "version", r.cfg.PackageVersion)

	return nil
}

// fetchArtifact runs the verified fetch for the pinned package.
func (r *runner) fetchArtifact(ctx context.Context, dir *scratch.Dir) (*fetcher.FetchResult, error) {
	packageURL, err := r.cfg.PackageURL()
	if err != nil {
		return nil, err
	}

	spec := fetcher.ArtifactSpec{
		Name:           artifactName,
		Version:        r.cfg.PackageVersion,
		SourceURL:      packageURL,
		ExpectedDigest: r.cfg.PackageDigest,
	}

	logger.InfoKV(ctx, "Downloading package", "url", packageURL)

	result, err := r.fetch.FetchAndVerify(ctx, spec, dir.Path())
	if err != nil {
		return nil, fmt.Errorf("fetch package: %w", err)
	}

	return result, nil
}

// releaseScratch removes the scratch directory, logging instead of failing.
func (r *runner) releaseScratch(ctx context.Context, dir *scratch.Dir) {
	if err := dir.Remove(); err != nil {
		logger.WarnKV(ctx, "Scratch cleanup failed", "error", err)
	}
}

// ensureRosetta installs Rosetta 2 on Apple silicon when the translation
// daemon is not running. A no-op everywhere else.
func (r *runner) ensureRosetta(ctx context.Context) error {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return nil
	}

	if _, err := r.sys.Run(ctx, pgrepTool, rosettaDaemon); err == nil {
		logger.Debug(ctx, "Rosetta 2 already installed")
		return nil
	}

	logger.Info(ctx, "Installing Rosetta 2")

	output, err := r.sys.Run(ctx, softwareUpdateTool, "--install-rosetta", "--agree-to-license")
	if err != nil {
		return fmt.Errorf("install rosetta: %w: %s", err, output)
	}

	return nil
}

// ensureHomebrew installs Homebrew when no known location has it. A fresh
// install returns ErrFreshSessionRequired: the new shell environment is not
// visible to the current session, so the user must re-run.
func (r *runner) ensureHomebrew(ctx context.Context) error {
	for _, location := range r.brewPaths {
		if _, err := os.Stat(location); err == nil {
			logger.Debugf(ctx, "Homebrew found at %s", location)
			return nil
		}
	}

	logger.Info(ctx, "Homebrew not found, installing")

	output, err := r.sys.Run(ctx, shellTool, "-c", brewInstallCommand)
	if err != nil {
		return fmt.Errorf("install homebrew: %w: %s", err, output)
	}

	return ErrFreshSessionRequired
}

// applyPreferences writes the managed Privileges keys. The timeout, the
// revoke-at-login flag and the exclusion list are required; the
// require-authentication flag is unsupported on older app versions and only
// warns on failure.
func (r *runner) applyPreferences(ctx context.Context) error {
	if err := r.store.SetInteger(ctx, prefs.KeyExpirationInterval, r.cfg.TimeoutMinutes); err != nil {
		return fmt.Errorf("write expiration interval: %w", err)
	}

	if err := r.store.SetBool(ctx, prefs.KeyRevokeAtLogin, r.cfg.RevokeAtLogin); err != nil {
		return fmt.Errorf("write revoke-at-login flag: %w", err)
	}

	if err := r.store.SetBool(ctx, prefs.KeyRequireAuthentication, r.cfg.RequireAuthentication); err != nil {
		logger.WarnKV(ctx, "Require-authentication flag not written, the installed app may predate it",
			"error", err)
	}

	if len(r.cfg.ExcludedUsers) > 0 {
		if err := r.store.AppendUnique(ctx, prefs.KeyExcludeUsers, r.cfg.ExcludedUsers...); err != nil {
			return fmt.Errorf("write excluded users: %w", err)
		}
	}

	logger.InfoKV(ctx, "Preferences applied",
		"timeout_minutes", r.cfg.TimeoutMinutes,
		"revoke_at_login", r.cfg.RevokeAtLogin,
		"excluded_users", r.cfg.ExcludedUsers)

	return nil
}
