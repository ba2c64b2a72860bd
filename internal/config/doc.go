// Package config loads the superdaod runtime configuration from a JSON file,
// overlays secrets from the environment (optionally seeded from a .env file)
// and fills defaults for every unset knob.
package config
