// Package engine defines the completion-engine boundary: the ordered-lines
// input shape, the raw result shape, and an OpenAI-compatible HTTP client.
//
// The correlator depends only on the Engine interface. Result validation
// (exactly one choice, normal stop, non-empty text) happens in the
// correlator so stub engines in tests can produce malformed shapes.
package engine
