// Package config loads and validates the idrelay configuration file.
package config
