package plugin

import (
	"fmt"
	"os"
	"time"
)

// Option values arrive from YAML, so numbers may be int or float64 and lists
// are []any.

// String returns cfg[key] as a string, or def when absent.
func String(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns cfg[key] as an int, or def when absent or not numeric.
func Int(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return def
}

// Float returns cfg[key] as a float64, or def when absent or not numeric.
func Float(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Duration parses cfg[key] with time.ParseDuration, or returns def.
func Duration(cfg map[string]any, key string, def time.Duration) time.Duration {
	s, ok := cfg[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Strings returns cfg[key] as a string slice. Non-string items are skipped.
func Strings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// APIKey reads the key from cfg["api_key"], falling back to the environment
// variable env.
func APIKey(cfg map[string]any, env string) (string, error) {
	if key := String(cfg, "api_key", ""); key != "" {
		return key, nil
	}
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("api key not set: provide api_key or %s", env)
}
