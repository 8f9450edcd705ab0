package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envString returns the trimmed environment value or def when unset/empty.
func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt parses an integer value; unset or unparseable values fall back to def.
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envBool parses a boolean value (true/false, 1/0, t/f, case-insensitive).
func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envFloat parses a float value; unset or unparseable values fall back to def.
func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration parses a duration. Accepts Go duration strings ("20s", "500ms",
// "1h30m") plus day and week suffixes for TTL-scale values ("7d", "2w",
// "1.5d"); a bare integer is interpreted as seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if d, ok := parseDayWeek(v); ok {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// parseDayWeek handles the d (days) and w (weeks) suffixes that
// time.ParseDuration rejects.
func parseDayWeek(v string) (time.Duration, bool) {
	unit := 24 * time.Hour
	switch {
	case strings.HasSuffix(v, "w"):
		unit = 7 * 24 * time.Hour
		v = strings.TrimSuffix(v, "w")
	case strings.HasSuffix(v, "d"):
		v = strings.TrimSuffix(v, "d")
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(unit)), true
}

// envBytes parses a byte size. Accepts bare integers (bytes) or values with a
// KB/MB/GB suffix (binary multiples, case-insensitive).
func envBytes(key string, def int64) int64 {
	v := strings.TrimSpace(strings.ToUpper(os.Getenv(key)))
	if v == "" {
		return def
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "GB"):
		multiplier = 1024 * 1024 * 1024
		v = strings.TrimSuffix(v, "GB")
	case strings.HasSuffix(v, "MB"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(v, "MB")
	case strings.HasSuffix(v, "KB"):
		multiplier = 1024
		v = strings.TrimSuffix(v, "KB")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n * multiplier
}

// envStringList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func envStringList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
