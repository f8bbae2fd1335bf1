package will

import (
	"fmt"
	"strings"
)

// Address identifies an account: a will owner, executor, viewer,
// beneficiary, token contract or the engine itself. Hex digits are case
// insensitive; Canonical gives the lowercase form used for storage and
// comparison.
type Address string

// ZeroAddress is the canonical null identity.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// NativeAsset is the ledger asset key of the native currency. Fungible
// tokens are keyed by their contract address.
const NativeAsset Address = ""

// IsZero reports whether a is the null identity, either empty or the
// all-zero hex address.
func (a Address) IsZero() bool {
	c := a.Canonical()
	return c == "" || c == ZeroAddress
}

// Canonical trims a and lowercases its hex digits.
func (a Address) Canonical() Address {
	return Address(strings.ToLower(strings.TrimSpace(string(a))))
}

// Equal reports whether a and b name the same account.
func (a Address) Equal(b Address) bool {
	return a.Canonical() == b.Canonical()
}

func (a Address) String() string {
	return string(a)
}

// UnmarshalText accepts an empty string (no address) or a well-formed hex
// address, including the zero address; null identities are rejected by
// the operation that receives them.
func (a *Address) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*a = ""
		return nil
	}
	if !addressPattern.MatchString(s) {
		return invalid("address", fmt.Sprintf("%q is not 0x followed by 40 hex digits", s))
	}
	*a = Address(s).Canonical()
	return nil
}
