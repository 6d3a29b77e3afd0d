package runbookdef

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var offsetRE = regexp.MustCompile(`^T-(\d+)([dhms])?$`)
var durationRE = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseOffset parses the phase offset grammar "T-<n><u>" (u in {d,h,m,s})
// into an integer minute count, seconds rounded up. "T-0" is zero and needs
// no unit suffix.
func ParseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	m := offsetRE.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("invalid offset %q, expected T-<n><u>", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", raw, err)
	}
	if n == 0 {
		return 0, nil
	}
	unit := m[2]
	if unit == "" {
		return 0, fmt.Errorf("invalid offset %q: unit required for non-zero value", raw)
	}
	seconds, err := unitToSeconds(n, unit)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", raw, err)
	}
	minutes := int(math.Ceil(float64(seconds) / 60.0))
	return minutes, nil
}

// RenderOffset renders a minute count back into the canonical "T-<n>m"
// grammar form (or "T-0" for zero), matching the round-trip property: any
// valid offset, re-rendered this way, parses back to the same minute count.
func RenderOffset(minutes int) string {
	if minutes <= 0 {
		return "T-0"
	}
	return fmt.Sprintf("T-%dm", minutes)
}

// ParseDuration parses the poll interval/timeout grammar "<n><u>" (no T-
// prefix) into an integer second count. Empty input is zero.
func ParseDuration(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	m := durationRE.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q, expected <n><u>", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return unitToSeconds(n, m[2])
}

func unitToSeconds(n int, unit string) (int, error) {
	switch unit {
	case "d":
		return n * 86400, nil
	case "h":
		return n * 3600, nil
	case "m":
		return n * 60, nil
	case "s":
		return n, nil
	default:
		return 0, fmt.Errorf("unrecognized unit %q", unit)
	}
}

// CalculateDueAt returns batchStartTime minus offsetMinutes, or nil when
// batchStartTime is nil (manual batches advance explicitly, never by time).
func CalculateDueAt(batchStartTime *time.Time, offsetMinutes int) *time.Time {
	if batchStartTime == nil {
		return nil
	}
	due := batchStartTime.Add(-time.Duration(offsetMinutes) * time.Minute)
	return &due
}

var nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

// DynamicTableName computes the deterministic external table name for a
// runbook version: runbook_<sanitized_name>_v<version>.
func DynamicTableName(name string, version int) string {
	sanitized := nonAlnumRE.ReplaceAllString(strings.ToLower(name), "_")
	sanitized = strings.Trim(sanitized, "_")
	return fmt.Sprintf("runbook_%s_v%d", sanitized, version)
}
