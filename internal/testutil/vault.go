package testutil

import (
	"will-go/internal/vault"
	"will-go/internal/will"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() will.Vault {
	return vault.NewMemoryVault("test-vault")
}
