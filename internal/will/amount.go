package will

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Amount is a non-negative quantity of an asset in minor units (wei-like).
// Amounts are immutable: every operation returns a new value.
// The zero value is a valid zero amount.
type Amount struct {
	v *big.Int
}

// NewAmount returns an Amount holding n. Negative n panics.
func NewAmount(n int64) Amount {
	if n < 0 {
		panic(fmt.Sprintf("negative amount: %d", n))
	}
	return Amount{v: big.NewInt(n)}
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	return Amount{v: v}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// BigInt returns a copy of the underlying integer.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.int())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.int(), b.int())}
}

// Sub returns a-b. It panics if b > a; callers compare first.
func (a Amount) Sub(b Amount) Amount {
	v := new(big.Int).Sub(a.int(), b.int())
	if v.Sign() < 0 {
		panic(fmt.Sprintf("amount underflow: %s - %s", a, b))
	}
	return Amount{v: v}
}

// MulDiv returns floor(a*num/den).
func (a Amount) MulDiv(num, den int64) Amount {
	v := new(big.Int).Mul(a.int(), big.NewInt(num))
	return Amount{v: v.Quo(v, big.NewInt(den))}
}

func (a Amount) Cmp(b Amount) int {
	return a.int().Cmp(b.int())
}

func (a Amount) IsZero() bool {
	return a.int().Sign() == 0
}

func (a Amount) String() string {
	return a.int().String()
}

// MarshalJSON encodes the amount as a decimal string so large values
// survive JSON consumers that decode numbers as float64.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("amount must be a string or integer: %w", err)
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores amounts as decimal text; SQLite integers are only 64 bits.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case int64:
		if v < 0 {
			return fmt.Errorf("negative amount in database: %d", v)
		}
		*a = NewAmount(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}
