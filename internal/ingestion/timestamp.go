package ingestion

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var errNoTimestamp = errors.New("missing timestamp")

// Numbers at or above this are epoch milliseconds, below it epoch seconds.
const epochMillisThreshold = 1e11

// ParseTimestamp interprets a time-column value. Strings are parsed
// leniently and read as UTC when they carry no zone; numbers are epoch
// seconds or milliseconds, fractions included.
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, errNoTimestamp
	case time.Time:
		return val.UTC(), nil
	case int64:
		return fromEpoch(float64(val)), nil
	case int:
		return fromEpoch(float64(val)), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return time.Time{}, fmt.Errorf("parse epoch %v: not a finite number", val)
		}
		return fromEpoch(val), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, errNoTimestamp
		}
		t, err := dateparse.ParseIn(s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return fromEpoch(f), nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	default:
		return ParseTimestamp(fmt.Sprint(val))
	}
}

func fromEpoch(f float64) time.Time {
	whole, frac := math.Modf(f)
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(whole)).Add(time.Duration(math.Round(frac * 1e6))).UTC()
	}
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}
