// Package config loads and validates the aichat YAML configuration,
// expanding ${VAR} environment references and parsing duration strings.
package config
