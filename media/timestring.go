package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
)

// ParseTimeString accepts HH:MM:SS, MM:SS and SS forms and returns
// milliseconds, the unit the toolkit and ValidateCutRange work in. Minute and
// second fields must stay below 60 when a higher unit is present.
func ParseTimeString(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, errors.New(errors.KindInvalidInput, fmt.Errorf("invalid time string %q", s))
	}
	vals := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, errors.New(errors.KindInvalidInput, fmt.Errorf("invalid time component %q in %q", p, s))
		}
		// only the leading component may exceed its unit range
		if i > 0 && v > 59 {
			return 0, errors.New(errors.KindInvalidInput, fmt.Errorf("time component %q out of range in %q", p, s))
		}
		vals[i] = v
	}
	var secs int64
	for _, v := range vals {
		secs = secs*60 + v
	}
	return secs * 1000, nil
}

// ValidateCutRange enforces end > start and the configured maximum span.
// Bounds are in milliseconds; a 1 ms cut is valid.
func ValidateCutRange(startMS, endMS int64) error {
	if endMS <= startMS {
		return errors.New(errors.KindInvalidInput, fmt.Errorf("cut end %dms is not after start %dms", endMS, startMS))
	}
	if endMS-startMS > int64(config.MaxCutSeconds)*1000 {
		return errors.New(errors.KindInvalidInput, fmt.Errorf("cut span %dms exceeds maximum %ds", endMS-startMS, config.MaxCutSeconds))
	}
	return nil
}

// FormatSeconds renders seconds in ffmpeg's HH:MM:SS form.
func FormatSeconds(secs int64) string {
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
