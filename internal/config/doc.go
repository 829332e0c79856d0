// Package config loads the AgentWallet runtime configuration: an optional JSON
// file, .env files loaded with godotenv, environment overrides for secrets,
// then defaults and validation.
package config
