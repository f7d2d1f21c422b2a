// Package validation checks raw clinical field input against the
// registry. Every function here is pure.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mediguard-intake/internal/registry"
)

const (
	// MsgInvalidNumber is reported for input that is not a decimal number
	MsgInvalidNumber = "Please enter a valid number"
	// MsgRequired is reported by the gap-fill validator for empty input
	MsgRequired = "This field is required"
)

// Plain decimal notation with an optional exponent. Hex floats, "Inf",
// "NaN" and digit separators are rejected even though strconv accepts them.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumber parses trimmed raw input as a finite decimal number
func ParseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// FormatNumber renders v with the fewest digits that round-trip
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RangeMessage is the error shown for a value outside spec's range
func RangeMessage(spec registry.FieldSpec) string {
	return fmt.Sprintf("Value must be between %s and %s", FormatNumber(spec.Min), FormatNumber(spec.Max))
}

// ValidateField applies the strict manual-entry rules. Empty input is
// untouched, not invalid, and yields "".
func ValidateField(spec registry.FieldSpec, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	v, ok := ParseNumber(raw)
	if !ok {
		return MsgInvalidNumber
	}
	if !spec.Contains(v) {
		return RangeMessage(spec)
	}
	return ""
}

// ValidateNumeric applies the relaxed gap-fill rules: the value must be
// present and numeric. Ranges are not enforced.
func ValidateNumeric(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return MsgRequired
	}
	if _, ok := ParseNumber(raw); !ok {
		return MsgInvalidNumber
	}
	return ""
}

// IsComplete reports whether every spec key has a non-empty value
func IsComplete(values map[string]string, specs []registry.FieldSpec) bool {
	for _, spec := range specs {
		if strings.TrimSpace(values[spec.Key]) == "" {
			return false
		}
	}
	return true
}

// IsSubmittable reports whether the form is complete and error free
func IsSubmittable(values map[string]string, specs []registry.FieldSpec, errs ErrorSet) bool {
	return IsComplete(values, specs) && errs.Empty()
}

// ValidateAll runs ValidateField over every spec and additionally flags
// empty fields as required. Used where a whole form arrives at once.
func ValidateAll(values map[string]string, specs []registry.FieldSpec) ErrorSet {
	errs := make(ErrorSet)
	for _, spec := range specs {
		raw := values[spec.Key]
		if strings.TrimSpace(raw) == "" {
			errs.Apply(spec.Key, MsgRequired)
			continue
		}
		errs.Apply(spec.Key, ValidateField(spec, raw))
	}
	return errs
}

// ErrorSet maps a field identifier to its current error message.
// A missing key means the field is valid or untouched.
type ErrorSet map[string]string

// Apply sets key's error when msg is non-empty and clears it otherwise.
// No other key is touched.
func (e ErrorSet) Apply(key, msg string) {
	if msg == "" {
		delete(e, key)
		return
	}
	e[key] = msg
}

// Empty reports whether no field has an error
func (e ErrorSet) Empty() bool {
	return len(e) == 0
}

// Clone returns an independent copy
func (e ErrorSet) Clone() ErrorSet {
	out := make(ErrorSet, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
