// Package testutil contains helpers used across tests: scripted models,
// in-memory tool servers that count their connections and a fluent builder
// for assistant responses. They are not intended for production usage.
package testutil
