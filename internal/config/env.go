package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv reads environment variables that have no dedicated CLI flag:
// size and duration values in their human forms, and per-user API keys.
func (c *Config) ApplyEnv() error {
	if c == nil {
		return nil
	}
	if raw := strings.TrimSpace(os.Getenv("CHAT_SERVICE_ATTACHMENTS_MAX_SIZE")); raw != "" {
		size, err := parseMemorySize(raw)
		if err != nil {
			return fmt.Errorf("invalid CHAT_SERVICE_ATTACHMENTS_MAX_SIZE: %w", err)
		}
		c.AttachmentMaxSize = size
	}
	for key, dest := range map[string]*time.Duration{
		"CHAT_SERVICE_ATTACHMENTS_PENDING_TTL":       &c.AttachmentPendingTTL,
		"CHAT_SERVICE_ATTACHMENTS_DELETED_RETENTION": &c.AttachmentDeletedRetention,
		"CHAT_SERVICE_ATTACHMENTS_CLEANUP_INTERVAL":  &c.AttachmentCleanupInterval,
		"CHAT_SERVICE_ATTACHMENTS_URL_EXPIRES_IN":    &c.AttachmentURLExpiresIn,
		"CHAT_SERVICE_HISTORY_CACHE_TTL":             &c.HistoryCacheTTL,
		"CHAT_SERVICE_PROVIDER_TITLE_TIMEOUT":        &c.TitleTimeout,
	} {
		if err := applyDurationEnv(key, dest); err != nil {
			return err
		}
	}
	if err := applyBoolEnv("CHAT_SERVICE_CORS_ENABLED", &c.CORSEnabled); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_CORS_ORIGINS", &c.CORSOrigins)

	// API keys: CHAT_SERVICE_API_KEYS_<USER>=<key>[,<key>...]
	if keys := loadAPIKeysFromEnv(); len(keys) > 0 {
		c.APIKeys = keys
	}
	return nil
}

// loadAPIKeysFromEnv scans env vars matching CHAT_SERVICE_API_KEYS_<USER>=<key>[,<key>...]
// and returns a map from key value to user id.
func loadAPIKeysFromEnv() map[string]string {
	const prefix = "CHAT_SERVICE_API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		userID := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, prefix)))
		if userID == "" {
			continue
		}
		for _, key := range strings.Split(value, ",") {
			if key = strings.TrimSpace(key); key != "" {
				result[key] = userID
			}
		}
	}
	return result
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// parseDuration accepts Go durations (30s, 24h), a leading day count (7d, 1d12h) and
// ISO-8601 day/time forms (P7D, PT2H30M).
func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	if !strings.HasPrefix(v, "P") {
		return parseDays(raw, v)
	}
	rest := strings.TrimPrefix(v, "P")
	total := time.Duration(0)
	inTime := false
	for len(rest) > 0 {
		if rest[0] == 'T' {
			inTime = true
			rest = rest[1:]
			continue
		}
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch {
		case rest[i] == 'D' && !inTime:
			total += time.Duration(n) * 24 * time.Hour
		case rest[i] == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case rest[i] == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case rest[i] == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseDays(raw, v string) (time.Duration, error) {
	days, rest, ok := strings.Cut(v, "D")
	if !ok {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	n, err := strconv.Atoi(days)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(n) * 24 * time.Hour
	if rest != "" {
		d, err := time.ParseDuration(strings.ToLower(rest))
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		total += d
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "GB"), strings.HasSuffix(v, "G"):
		multiplier = 1024 * 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "GB"), "G")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
