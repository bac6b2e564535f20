package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a vendor settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports required keys that are absent or blank and keys the
// schema does not know.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match regardless of
// case, underscores and hyphens. The returned error is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = true
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]any, len(input))
	res := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if !known[nk] && !schema.AllowUnknown {
			res.Unknown = append(res.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		if v, ok := present[normalizeKey(k)]; !ok || blank(v) {
			res.Missing = append(res.Missing, k)
		}
	}
	if len(res.Missing) == 0 && len(res.Unknown) == 0 {
		return nil
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Unknown)
	return res
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
