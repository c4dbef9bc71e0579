// Package config provides configuration loading and validation for the meeting
// audio pipeline. It handles YAML-based configuration layered over built-in
// defaults, with API keys optionally supplied through the environment or a
// .env file.
package config
