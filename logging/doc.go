// Package logging provides a minimal logging interface and adapters for agentrelay.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// that the engine, the tool loop and the connectors use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZerologAdapter wrapping github.com/rs/zerolog (used by the CLI)
//   - RelayLogger with component and key/value context helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
package logging
