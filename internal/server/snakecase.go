package server

import "strings"

// toSnakeCase converts a single camelCase or PascalCase identifier to
// snake_case: every uppercase ASCII letter gets an underscore inserted
// before it and is lowercased, so a run of capitals is split letter by
// letter ("HTTPStatus" becomes "h_t_t_p_status"). A leading underscore
// produced by this rule (from a leading capital) is stripped.
func toSnakeCase(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimPrefix(b.String(), "_")
}

// snakeCaseKeys recursively converts the keys of every map in v to
// snake_case, leaving arrays, strings, numbers and other scalars untouched.
// Idempotent on input that is already snake_case, since toSnakeCase on an
// all-lowercase identifier is a no-op.
func snakeCaseKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[toSnakeCase(k)] = snakeCaseKeys(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = snakeCaseKeys(child)
		}
		return out
	default:
		return v
	}
}
