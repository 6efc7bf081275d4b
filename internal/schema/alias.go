// Package schema maps loosely-keyed model output onto typed values.
//
// Every field is resolved through an ordered alias list: each key is tried in
// order and the first value of the expected type wins. The lists are exported
// so the fallback order itself is testable.
package schema

import (
	"fmt"
	"math"
	"strings"
)

// Aliases is an ordered list of accepted keys for one field.
type Aliases []string

func (a Aliases) String() string {
	return strings.Join(a, ", ")
}

// ResolutionError reports a required field missing under every alias, or a
// field whose value is out of range when Reason is set.
type ResolutionError struct {
	Field        string
	AliasesTried Aliases
	Reason       string
}

func (e *ResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("field %s %s (tried %s)", e.Field, e.Reason, e.AliasesTried)
	}
	return fmt.Sprintf("required field %s not found (tried %s)", e.Field, e.AliasesTried)
}

// String returns the first non-blank string value under aliases.
func String(obj map[string]any, aliases Aliases) (string, bool) {
	for _, key := range aliases {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

// PositiveInt returns the first whole, positive JSON number under aliases.
func PositiveInt(obj map[string]any, aliases Aliases) (int, bool) {
	for _, key := range aliases {
		f, ok := obj[key].(float64)
		if !ok || f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
			continue
		}
		return int(f), true
	}
	return 0, false
}

// Objects returns the first non-empty array of objects under aliases.
// Non-object elements are dropped.
func Objects(obj map[string]any, aliases Aliases) ([]map[string]any, bool) {
	for _, key := range aliases {
		arr, ok := obj[key].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}
