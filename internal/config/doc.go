// Package config provides YAML configuration loading and validation for
// the voice agent service: webhook server, routing bindings, adapter
// endpoints, per-adapter deadlines/retries, and session limits.
package config
