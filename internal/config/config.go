package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/macfleet/priv-bootstrap/internal/fetcher"
)

// Config holds the provisioning parameters for a bootstrap run.
type Config struct {
	// PackageVersion is the pinned Privileges release to install.
	PackageVersion string `yaml:"package_version"`
	// PackageDigest is the pinned lowercase hex SHA-256 of the installer package.
	PackageDigest string `yaml:"package_digest"`
	// DownloadBaseURL is the HTTPS base under which release packages are hosted.
	DownloadBaseURL string `yaml:"download_base_url"`
	// TimeoutMinutes is written to the ExpirationInterval preference key.
	TimeoutMinutes int `yaml:"timeout_minutes"`
	// RevokeAtLogin controls the RevokePrivilegesAtLogin preference key.
	RevokeAtLogin bool `yaml:"revoke_at_login"`
	// RequireAuthentication controls the optional RequireAuthentication key.
	RequireAuthentication bool `yaml:"require_authentication"`
	// ExcludedUsers are break-glass accounts appended to the ExcludeUsers list.
	ExcludedUsers []string `yaml:"excluded_users"`
	// DownloadTimeout bounds the package download; the original script had none
	// and could hang forever on a stalled connection.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for provisioning settings.
	DefaultConfigFilename = "priv-bootstrap-settings.yaml"

	// DefaultPackageVersion is the pinned Privileges release.
	DefaultPackageVersion = "2.5.0"

	// DefaultPackageDigest is the pinned SHA-256 of the release package.
	DefaultPackageDigest = "a7587035b340bd5b0f37fdba9b0e57f8072c59f958fdc8193870c4df16df3f5a"

	// DefaultDownloadBaseURL hosts the release packages, one directory per version.
	DefaultDownloadBaseURL = "https://github.com/SAP/macOS-enterprise-privileges/releases/download"

	// DefaultTimeoutMinutes is the default privilege expiration interval.
	DefaultTimeoutMinutes = 20

	// DefaultDownloadTimeout bounds the whole package download.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// EnvPrefix is the prefix of all environment overrides.
	EnvPrefix = "PRIV_BOOTSTRAP_"
)

var (
	// errVersionRequired is returned when the pinned package version is missing.
	errVersionRequired = errors.New("package version must be provided")
	// errMalformedDigest is returned when the pinned digest is not 64 hex characters.
	errMalformedDigest = errors.New("package digest must be a 64-character hex SHA-256")
	// errInsecureBaseURL is returned when the download base URL is not HTTPS.
	errInsecureBaseURL = errors.New("download base URL must use https")
	// errBadTimeout is returned when the privilege timeout is not positive.
	errBadTimeout = errors.New("timeout minutes must be positive")
)

// Default returns the pinned defaults used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		PackageVersion:        DefaultPackageVersion,
		PackageDigest:         DefaultPackageDigest,
		DownloadBaseURL:       DefaultDownloadBaseURL,
		TimeoutMinutes:        DefaultTimeoutMinutes,
		RevokeAtLogin:         true,
		RequireAuthentication: false,
		ExcludedUsers:         []string{"admin"},
		DownloadTimeout:       DefaultDownloadTimeout,
	}
}

// Load builds the effective configuration: pinned defaults, overridden by the
// optional YAML file at path, overridden by environment variables. A missing
// file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults plus environment are a complete configuration.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = applyEnv(cfg); err != nil {
		return nil, err
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is not set")
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided configuration for required fields and formats.
// The digest is normalized to lowercase so comparisons downstream stay
// case-insensitive.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.PackageVersion) == "" {
		return errVersionRequired
	}

	cfg.PackageDigest = strings.ToLower(strings.TrimSpace(cfg.PackageDigest))
	if !fetcher.ValidDigest(cfg.PackageDigest) {
		return fmt.Errorf("%w: %q", errMalformedDigest, cfg.PackageDigest)
	}

	baseURL, err := url.Parse(cfg.DownloadBaseURL)
	if err != nil {
		return fmt.Errorf("invalid download base URL: %w", err)
	}

	if baseURL.Scheme != "https" {
		return fmt.Errorf("%w: %s", errInsecureBaseURL, cfg.DownloadBaseURL)
	}

	if cfg.TimeoutMinutes <= 0 {
		return fmt.Errorf("%w: %d", errBadTimeout, cfg.TimeoutMinutes)
	}

	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}

	return nil
}

// PackageFilename returns the versioned installer package name.
func (c *Config) PackageFilename() string {
	return fmt.Sprintf("Privileges_%s.pkg", c.PackageVersion)
}

// PackageURL composes the full download URL from the base, version and filename.
func (c *Config) PackageURL() (string, error) {
	u, err := url.Parse(c.DownloadBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse download base URL: %w", err)
	}

	u.Path = path.Join(u.Path, c.PackageVersion, c.PackageFilename())

	return u.String(), nil
}

// applyEnv overrides configuration fields from PRIV_BOOTSTRAP_* variables.
func applyEnv(cfg *Config) error {
	if v, ok := lookup("PACKAGE_VERSION"); ok {
		cfg.PackageVersion = v
	}

	if v, ok := lookup("PACKAGE_SHA256"); ok {
		cfg.PackageDigest = v
	}

	if v, ok := lookup("DOWNLOAD_BASE_URL"); ok {
		cfg.DownloadBaseURL = v
	}

	if v, ok := lookup("TIMEOUT_MINUTES"); ok {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sTIMEOUT_MINUTES: %w", EnvPrefix, err)
		}

		cfg.TimeoutMinutes = minutes
	}

	if v, ok := lookup("REVOKE_AT_LOGIN"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sREVOKE_AT_LOGIN: %w", EnvPrefix, err)
		}

		cfg.RevokeAtLogin = enabled
	}

	if v, ok := lookup("REQUIRE_AUTH"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sREQUIRE_AUTH: %w", EnvPrefix, err)
		}

		cfg.RequireAuthentication = enabled
	}

	if v, ok := lookup("EXCLUDED_USERS"); ok {
		users := make([]string, 0, len(cfg.ExcludedUsers))

		for _, user := range strings.Split(v, ",") {
			if user = strings.TrimSpace(user); user != "" {
				users = append(users, user)
			}
		}

		cfg.ExcludedUsers = users
	}

	return nil
}

// lookup reads a prefixed environment variable, ignoring empty values.
func lookup(name string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}

	return strings.TrimSpace(value), true
}
