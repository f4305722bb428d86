// Package fetcher downloads pinned artifacts over HTTPS and verifies their
// SHA-256 digests before anything else may touch them.
//
// A download streams simultaneously into a caller-owned scratch file and a
// hasher; the computed digest is compared against the pinned value and the
// outcome is returned as a typed FetchResult. A mismatch never exposes the
// file path, so an unverified artifact cannot reach an installer. There are
// no automatic retries.
package fetcher
