// Package util provides common utility functions used across mcpauth.
//
// This package contains helper functions for string manipulation and other
// shared operations that don't fit into domain-specific packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Normalizes URLs for issuer and resource comparison
package util
