// Package storage provides interfaces and types for OAuth client, flow, and grant persistence.
//
// The storage package defines the core storage interfaces used throughout mcpauth:
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages single-use authorization codes
//   - GrantStore: Manages issued refresh and access grants
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible storage for deployments that need durability
package storage
