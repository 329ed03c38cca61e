// Package dedupe tracks recently processed webhook event identifiers so that
// at-least-once provider deliveries are handled exactly once per retention
// window.
package dedupe
