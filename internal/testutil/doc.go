// Package testutil provides test fixtures shared across mcpauth packages,
// most notably PKCE verifier/challenge pair generation.
package testutil
