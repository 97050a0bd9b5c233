package core

import (
	"fmt"
	"time"

	"github.com/xhit/go-str2duration/v2"
)

// ParseDuration resolves token lifetimes such as "15m", "1h", "1d" or "1w".
func ParseDuration(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid duration %q: must be positive", s)
	}
	return d, nil
}
