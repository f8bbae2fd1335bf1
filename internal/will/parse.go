package will

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress validates a 0x-prefixed 20-byte hex address supplied by a
// user and returns its canonical form. The zero address is rejected.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !addressPattern.MatchString(s) {
		return "", invalid("address", fmt.Sprintf("%q is not 0x followed by 40 hex digits", s))
	}
	addr := Address(s).Canonical()
	if addr.IsZero() {
		return "", invalid("address", "null identity")
	}
	return addr, nil
}

// ParseDelay reads an emergency delay written either as whole days ("90d")
// or as a Go duration ("2160h").
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil || n < 0 {
			return 0, invalid("emergency_delay", fmt.Sprintf("%q is not a whole number of days", s))
		}
		if n > math.MaxInt64/int64(day) {
			return 0, invalid("emergency_delay", fmt.Sprintf("%q is out of range", s))
		}
		return time.Duration(n) * day, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid("emergency_delay", err.Error())
	}
	return d, nil
}
