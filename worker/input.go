package worker

// Input accessors for step assignment inputs. Inputs travel as JSON, so
// numbers arrive as float64 and lists as []any.

// InputString returns a string input or def when absent or mistyped.
func InputString(input map[string]any, key, def string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return def
}

// InputBool returns a bool input or def when absent or mistyped.
func InputBool(input map[string]any, key string, def bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return def
}

// InputStrings returns a string-list input. Non-string elements are skipped.
func InputStrings(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
