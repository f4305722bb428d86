// Package installer wraps the macOS package installer and the installed-app
// version query used for the idempotency check. It never downloads or
// verifies anything itself; callers hand it paths from verified fetches only.
package installer
