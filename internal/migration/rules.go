// Package migration implements the validate, map, and load pipeline that
// moves template CSV rows into the destination EHR. The loader is generic:
// everything specific to one clinical resource lives behind the Strategy
// interface, while validation, identifier resolution, and the resumable
// run ledger are shared.
package migration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Field rules
// ---------------------------------------------------------------------------

// Rule checks a single field value. On success it returns the normalized
// value. Every rule except Required passes an empty value through untouched,
// so optional columns stay optional.
type Rule func(value, field string) (string, error)

// FieldRules maps a column name to the rules that run against it, in order.
// Every rule runs even after one fails, so a row can report all of its
// problems at once.
type FieldRules map[string][]Rule

// Required rejects empty values.
func Required(value, field string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("Data is missing %s", field)
	}
	return value, nil
}

// dateLayouts covers the formats source exports actually use. ISO first,
// then the slash, dash, and dot variants.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006",
	"1-2-2006",
	"1.2.2006",
}

// Date accepts a parseable date and normalizes it to YYYY-MM-DD.
func Date(value, field string) (string, error) {
	if value == "" {
		return value, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("Invalid %s format: %s", field, value)
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DateTime accepts a parseable timestamp and normalizes it to RFC 3339. A
// bare date is taken as midnight UTC.
func DateTime(value, field string) (string, error) {
	if value == "" {
		return value, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("Invalid %s format: %s", field, value)
}

// Enum accepts one of the allowed options, case-insensitively, and
// normalizes to lower case.
func Enum(options ...string) Rule {
	allowed := make(map[string]bool, len(options))
	for _, o := range options {
		allowed[strings.ToLower(o)] = true
	}
	return func(value, field string) (string, error) {
		if value == "" {
			return value, nil
		}
		lowered := strings.ToLower(value)
		if !allowed[lowered] {
			return "", fmt.Errorf("Invalid %s: %s", field, value)
		}
		return lowered, nil
	}
}

// Numeric accepts an integer value.
func Numeric(value, field string) (string, error) {
	if value == "" {
		return value, nil
	}
	if _, err := strconv.Atoi(value); err != nil {
		return "", fmt.Errorf("Invalid numeric %s given: %s", field, value)
	}
	return value, nil
}

var booleanValues = map[string]string{
	"TRUE":  "true",
	"T":     "true",
	"Y":     "true",
	"YES":   "true",
	"FALSE": "false",
	"F":     "false",
	"N":     "false",
	"NO":    "false",
}

// Boolean accepts common true/false spellings and normalizes to
// "true"/"false". An empty value normalizes to "false".
func Boolean(value, field string) (string, error) {
	if value == "" {
		return "false", nil
	}
	normalized, ok := booleanValues[strings.ToUpper(value)]
	if !ok {
		return "", fmt.Errorf("Invalid boolean %s given: %s", field, value)
	}
	return normalized, nil
}
