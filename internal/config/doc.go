// Package config defines the provisioning settings for a bootstrap run and
// provides helpers to load, validate and save them. Settings layer in three
// steps: pinned defaults, an optional YAML file, then PRIV_BOOTSTRAP_*
// environment overrides.
package config
