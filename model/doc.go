// Package model defines the provider-agnostic abstractions for talking to
// language models.
//
// A Model performs one request/response exchange per call: the tool loop
// sends the transcript plus the visible tool definitions and receives a
// complete assistant turn with optional function calls. Adapters normalize
// finish reasons to FinishStop, FinishToolCalls and FinishLength.
//
// Providers live in sub-packages (openai, anthropic, gemini) so the engine
// stays decoupled from vendor SDKs. MockModel serves tests and examples.
package model
