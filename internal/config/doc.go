// Package config loads relay configuration from environment variables.
package config
