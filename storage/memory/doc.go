// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements ClientStore, FlowStore, and GrantStore using Go
// maps behind a sync.RWMutex. It is suitable for development, testing, and
// single-instance deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic check-and-mark for authorization code single-use
//   - Automatic cleanup of expired codes and grants
//   - Configurable cleanup interval
//   - OpenTelemetry spans and storage size gauges
//
// For deployments requiring persistence or multiple instances, use the
// storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
