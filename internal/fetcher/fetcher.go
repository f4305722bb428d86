package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/macfleet/priv-bootstrap/internal/logger"
)

var (
	// ErrMalformedDigest reports a pinned digest that is not 64 hex characters.
	ErrMalformedDigest = errors.New("expected digest must be a 64-character hex SHA-256")
	// ErrInsecureScheme reports a source URL that is not HTTPS.
	ErrInsecureScheme = errors.New("source URL must use https")
	// ErrDigestMismatch reports downloaded content whose digest differs from the
	// pinned value. Callers must treat this as fatal and never install the file.
	ErrDigestMismatch = errors.New("artifact digest does not match pinned value")

	errBadHTTPStatus = errors.New("unexpected http status")
)

// digestPattern matches a lowercase hex SHA-256 digest.
var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidDigest reports whether s is a well-formed lowercase hex SHA-256 digest.
func ValidDigest(s string) bool {
	return digestPattern.MatchString(s)
}

// ArtifactSpec describes a pinned artifact to fetch and verify.
type ArtifactSpec struct {
	// Name is a human-readable identifier used in logs.
	Name string
	// Version is the pinned release version.
	Version string
	// SourceURL is the fully-qualified HTTPS download location.
	SourceURL string
	// ExpectedDigest is the pinned lowercase hex SHA-256 of the artifact.
	ExpectedDigest string
}

// Status classifies the outcome of a download-and-verify attempt.
type Status int

const (
	// StatusVerified means the artifact downloaded and matched the pinned digest.
	StatusVerified Status = iota
	// StatusDigestMismatch means the downloaded bytes did not match the pinned digest.
	StatusDigestMismatch
	// StatusFetchError means the download itself failed; no digest was computed.
	StatusFetchError
)

// String returns a log-friendly representation of the status.
func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusDigestMismatch:
		return "digest-mismatch"
	case StatusFetchError:
		return "fetch-error"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of FetchAndVerify. LocalPath is set only for
// verified artifacts and points into the caller-owned scratch directory; the
// caller disposes of the scratch directory on every exit path.
type FetchResult struct {
	Status       Status
	LocalPath    string
	ActualDigest string
}

// DefaultTimeout bounds the whole download when no option overrides it.
const DefaultTimeout = 10 * time.Minute

// Fetcher downloads pinned artifacts and verifies their digests.
// It performs no automatic retries: silent retries around an integrity check
// would obscure tampering or infrastructure failures.
type Fetcher struct {
	client       *http.Client
	showProgress bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout bounds the whole download, connection establishment included.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.client.Timeout = timeout
	}
}

// WithTransport replaces the underlying round tripper. The default enforces
// TLS 1.2+; overriding is intended for tests against local TLS servers.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.client.Transport = rt
	}
}

// WithProgress toggles a terminal progress bar during downloads.
func WithProgress(enabled bool) Option {
	return func(f *Fetcher) {
		f.showProgress = enabled
	}
}

// New creates a Fetcher enforcing TLS 1.2 or newer and a bounded download time.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FetchAndVerify downloads the artifact into scratchDir, streams its bytes
// through a SHA-256 hasher and compares the result against the pinned digest.
// The spec is re-validated first: a malformed digest or non-HTTPS URL fails
// before any network activity. scratchDir must be exclusively owned by the
// caller, who removes it after use regardless of outcome.
func (f *Fetcher) FetchAndVerify(ctx context.Context, spec ArtifactSpec, scratchDir string) (*FetchResult, error) {
	expected := strings.ToLower(strings.TrimSpace(spec.ExpectedDigest))
	if !ValidDigest(expected) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedDigest, spec.ExpectedDigest)
	}

	sourceURL, err := url.Parse(spec.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source URL: %w", err)
	}

	if sourceURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrInsecureScheme, spec.SourceURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.SourceURL, http.NoBody)
	if err != nil {
		return &FetchResult{Status: StatusFetchError}, fmt.Errorf("build request: %w", err)
	}

	response, err := f.client.Do(req)
	if err != nil {
		return &FetchResult{Status: StatusFetchError}, fmt.Errorf("download %s: %w", spec.SourceURL, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &FetchResult{Status: StatusFetchError},
			fmt.Errorf("%s: %s: %w", spec.SourceURL, response.Status, errBadHTTPStatus)
	}

	localPath, actual, err := f.writeAndHash(ctx, spec, response, scratchDir)
	if err != nil {
		return &FetchResult{Status: StatusFetchError}, err
	}

	if actual != expected {
		logger.ErrorKV(ctx, "Artifact digest mismatch",
			"artifact", spec.Name, "expected", expected, "actual", actual)

		return &FetchResult{Status: StatusDigestMismatch, ActualDigest: actual},
			fmt.Errorf("%s: expected %s, got %s: %w", spec.Name, expected, actual, ErrDigestMismatch)
	}

	logger.InfoKV(ctx, "Artifact verified",
		"artifact", spec.Name, "version", spec.Version, "digest", actual)

	return &FetchResult{
		Status:       StatusVerified,
		LocalPath:    localPath,
		ActualDigest: actual,
	}, nil
}

// writeAndHash streams the response body into a scratch file and a SHA-256
// hasher simultaneously, so large packages never sit in memory. The partial
// file is removed when the copy fails.
func (f *Fetcher) writeAndHash(
	ctx context.Context,
	spec ArtifactSpec,
	response *http.Response,
	scratchDir string,
) (string, string, error) {
	fileName := path.Base(response.Request.URL.Path)
	if fileName == "." || fileName == "/" {
		fileName = spec.Name
	}

	localPath := filepath.Clean(filepath.Join(scratchDir, fileName))

	outputFile, err := os.Create(localPath)
	if err != nil {
		return "", "", fmt.Errorf("create scratch file: %w", err)
	}

	hasher := sha256.New()

	writers := []io.Writer{outputFile, hasher}
	if f.showProgress {
		writers = append(writers, newProgressBar(response.ContentLength, fileName))
	}

	_, err = io.Copy(io.MultiWriter(writers...), response.Body)
	if closeErr := outputFile.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(localPath)

		return "", "", fmt.Errorf("download %s: %w", spec.SourceURL, err)
	}

	logger.Debugf(ctx, "Downloaded %s to %s", spec.Name, localPath)

	return localPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

// newProgressBar renders download progress on stderr.
func newProgressBar(size int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading "+description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
