package handlers

import (
	"time"
)

// Input fields arrive schema-validated, so coercion here is about shape
// (json numbers are float64) rather than validity. Missing optional fields
// yield zero values.

func str(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func strOr(input map[string]any, key, fallback string) string {
	if s := str(input, key); s != "" {
		return s
	}
	return fallback
}

func intField(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func int64Field(input map[string]any, key string) int64 {
	switch v := input[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func mapField(input map[string]any, key string) map[string]any {
	m, _ := input[key].(map[string]any)
	return m
}

func sliceField(input map[string]any, key string) []any {
	s, _ := input[key].([]any)
	return s
}

// timeField parses an RFC3339 date-time field. Schema format validation has
// already run, so a parse failure means the field was absent.
func timeField(input map[string]any, key string) (time.Time, bool) {
	s := str(input, key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
