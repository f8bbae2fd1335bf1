package app

import (
	"fmt"
	"os"

	"will-go/internal/config"
	"will-go/internal/will"
)

// EnvIdentity overrides the configured caller identity.
const EnvIdentity = "WILL_IDENTITY"

// ResolveIdentity returns the address CLI commands act as: WILL_IDENTITY
// if set, else cfg.Identity.
func ResolveIdentity(cfg *config.Config) (will.Address, error) {
	raw := os.Getenv(EnvIdentity)
	if raw == "" {
		raw = cfg.Identity
	}
	addr, err := will.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("resolving identity (set identity in config or %s): %w", EnvIdentity, err)
	}
	return addr, nil
}
