// Package config loads the orchestrator's settings from an optional config.yaml,
// an optional .env file and NVCF_ORCH_-prefixed environment variables, and
// validates them before any component is constructed. Remote credentials,
// polling tunables and the feature flags that gate optional job parameters all
// live here so that the client packages never read the environment themselves.
package config
