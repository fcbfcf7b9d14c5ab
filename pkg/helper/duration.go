package helper

import (
	"time"

	"github.com/pkg/errors"
)

// ParseWireDuration parse the number-plus-unit duration format used on the
// wire, e.g. "3600000ms" or "48h". Negative and zero durations are rejected;
// the internal representation is time.Duration everywhere past this point.
func ParseWireDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("duration required")
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}

	if d <= 0 {
		return 0, errors.Errorf("duration must be positive: %q", s)
	}

	return d, nil
}
