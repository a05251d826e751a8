// Package schema validates caller-provided parameter maps against the
// ordered parameter schemas declared by templates and fragments. Validation
// is pure: no I/O, no side effects.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"docforge/api/internal/registry"
)

// Error codes carried by FieldError.
const (
	CodeRequiredMissing  = "REQUIRED_PARAMETER_MISSING"
	CodeUnexpectedParams = "UNEXPECTED_PARAMETERS"
	CodeTypeMismatch     = "TYPE_MISMATCH"
)

// FieldError describes one validation failure with enough detail for an
// automated caller to self-correct.
type FieldError struct {
	Field      string `json:"field"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Expected   string `json:"expected,omitempty"`
	Example    any    `json:"example,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Validate checks provided against the declared parameters. Checks run in a
// fixed order: missing required parameters first (one error each), then a
// single aggregate error for unexpected keys, then best-effort type checks.
func Validate(params []registry.ParameterSchema, provided map[string]any) (bool, []FieldError) {
	var errs []FieldError

	declared := make(map[string]registry.ParameterSchema, len(params))
	expected := make([]string, 0, len(params))
	for _, p := range params {
		declared[p.Name] = p
		expected = append(expected, p.Name)
	}

	for _, p := range params {
		if !p.Required {
			continue
		}
		if _, ok := provided[p.Name]; ok {
			continue
		}
		errs = append(errs, FieldError{
			Field:      p.Name,
			Code:       CodeRequiredMissing,
			Message:    fmt.Sprintf("required parameter %q is missing: %s", p.Name, p.Description),
			Expected:   p.Type,
			Example:    p.Example,
			Suggestion: fmt.Sprintf("provide a %s value for %q", p.Type, p.Name),
		})
	}

	var unexpected []string
	for key := range provided {
		if _, ok := declared[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		errs = append(errs, FieldError{
			Field:      strings.Join(unexpected, ", "),
			Code:       CodeUnexpectedParams,
			Message:    fmt.Sprintf("unexpected parameters: %s", strings.Join(unexpected, ", ")),
			Expected:   strings.Join(expected, ", "),
			Suggestion: "remove the unexpected parameters or check for typos against the expected names",
		})
	}

	for _, p := range params {
		value, ok := provided[p.Name]
		if !ok {
			continue
		}
		if _, coercible := Coerce(p.Type, value); !coercible {
			errs = append(errs, FieldError{
				Field:      p.Name,
				Code:       CodeTypeMismatch,
				Message:    fmt.Sprintf("parameter %q is not a valid %s", p.Name, p.Type),
				Expected:   p.Type,
				Example:    p.Example,
				Suggestion: fmt.Sprintf("supply %q as %s", p.Name, p.Type),
			})
		}
	}

	return len(errs) == 0, errs
}

// Coerce attempts a lenient conversion of value to the declared parameter
// type, mirroring what JSON and YAML decoding naturally produce. The bool
// result reports whether the value is usable as that type.
func Coerce(declaredType string, value any) (any, bool) {
	switch declaredType {
	case registry.TypeString:
		if s, ok := value.(string); ok {
			return s, true
		}
		switch value.(type) {
		case bool, int, int64, float64:
			return fmt.Sprintf("%v", value), true
		}
		return nil, false
	case registry.TypeInteger:
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			if v == float64(int(v)) {
				return int(v), true
			}
			return nil, false
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return parsed, true
			}
			return nil, false
		}
		return nil, false
	case registry.TypeNumber:
		switch v := value.(type) {
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case float64:
			return v, true
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return parsed, true
			}
			return nil, false
		}
		return nil, false
	case registry.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return parsed, true
			}
			return nil, false
		}
		return nil, false
	case registry.TypeArray:
		switch v := value.(type) {
		case []any:
			return v, true
		case []string:
			items := make([]any, len(v))
			for i, s := range v {
				items[i] = s
			}
			return items, true
		}
		return nil, false
	case registry.TypeObject:
		if m, ok := value.(map[string]any); ok {
			return m, true
		}
		return nil, false
	default:
		// Unknown declared types pass through; the loader does not reject
		// them, so the validator stays advisory here.
		return value, true
	}
}
