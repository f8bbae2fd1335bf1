package testutil

import (
	"will-go/internal/encryption"
	"will-go/internal/will"
)

// NewTestEncryptor returns the reversible header-only encryptor.
func NewTestEncryptor() will.Encryptor {
	return encryption.NewTestEncryptor()
}
