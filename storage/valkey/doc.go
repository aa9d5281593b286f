// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for distributed deployments.
//
// Clients, authorization codes, and grants are stored as JSON values with
// TTLs matching their expiry, so Valkey evicts expired records without a
// sweeper. Authorization code consumption uses a Lua script to guarantee
// single use under concurrent exchange attempts. Refresh and access grants
// can optionally be encrypted at rest with a security.Encryptor (AES-GCM).
//
// Usage:
//
//	store, err := valkey.New(valkey.Config{
//		Address: "localhost:6379",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	enc, _ := security.NewEncryptor(key) // optional, 32-byte AES-256 key
//	store.SetEncryptor(enc)
package valkey
