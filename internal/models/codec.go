package models

import "time"

// Loose decoders for document values. Backends disagree about numeric
// widths (Firestore int64, Mongo int32/float64), so every accessor
// normalizes instead of asserting one concrete type.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func asCounterMap(v any) map[string]int64 {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(m))
	for k, e := range m {
		out[k] = asInt(e)
	}
	return out
}

func asTimeMap(v any) map[string]time.Time {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]time.Time, len(m))
	for k, e := range m {
		if t, ok := e.(time.Time); ok {
			out[k] = t
		}
	}
	return out
}
