// Package config provides centralized configuration management for the
// agent daemon. It loads a single JSON file, fills in defaults relative to
// the configuration directory, and validates sampling parameters and
// rate-limit settings before the process starts serving traffic.
package config
