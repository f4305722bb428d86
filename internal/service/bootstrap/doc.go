// Package bootstrap orchestrates the one-shot provisioning flow: keep
// elevated credentials fresh, ensure Rosetta 2 and Homebrew, download and
// digest-verify the pinned Privileges package, install it, and write the
// managed preference keys. Re-running on an already-provisioned machine
// performs no downloads or installs.
package bootstrap
