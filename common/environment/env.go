// Package environment reads process configuration from environment
// variables.
//
// Single lookups use the *Or helpers. A Loader collects the problems of a
// whole configuration block so that startup reports every missing or
// malformed variable at once instead of the first one only.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the variable's value, or defaultValue when it is unset or
// empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the variable's value or an error when it is unset
// or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool. Unset or unparsable
// values yield defaultValue.
func BoolOr(name string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the variable as a decimal integer. Unset or unparsable values
// yield defaultValue.
func IntOr(name string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the variable with time.ParseDuration. Unset or
// unparsable values yield defaultValue.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr splits the variable on commas and trims each element.
func StringSliceOr(name string, defaultValue []string) []string {
	out := splitList(os.Getenv(name))
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Loader reads variables sharing a prefix and remembers every problem it
// met. Unlike the *Or helpers, a value that is set but malformed is an error
// rather than a silent fallback.
type Loader struct {
	prefix string
	errs   []error
}

// NewLoader returns a Loader that prepends prefix to every name.
func NewLoader(prefix string) *Loader {
	return &Loader{prefix: prefix}
}

func (l *Loader) lookup(name string) (string, string, bool) {
	full := l.prefix + name
	v, ok := os.LookupEnv(full)
	return full, v, ok && v != ""
}

// String returns the value or def.
func (l *Loader) String(name, def string) string {
	if _, v, ok := l.lookup(name); ok {
		return v
	}
	return def
}

// Required returns the value and records an error when it is missing.
func (l *Loader) Required(name string) string {
	full, v, ok := l.lookup(name)
	if !ok {
		l.errs = append(l.errs, fmt.Errorf("required environment variable %q is not set", full))
	}
	return v
}

// Bool returns the parsed value or def.
func (l *Loader) Bool(name string, def bool) bool {
	full, v, ok := l.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid boolean in %s: %w", full, err))
		return def
	}
	return b
}

// Int returns the parsed value or def.
func (l *Loader) Int(name string, def int) int {
	full, v, ok := l.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid integer in %s: %w", full, err))
		return def
	}
	return n
}

// Duration returns the parsed value or def.
func (l *Loader) Duration(name string, def time.Duration) time.Duration {
	full, v, ok := l.lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid duration in %s: %w", full, err))
		return def
	}
	return d
}

// List returns the comma separated values or def.
func (l *Loader) List(name string, def []string) []string {
	if _, v, ok := l.lookup(name); ok {
		return splitList(v)
	}
	return def
}

// Err joins every problem recorded so far.
func (l *Loader) Err() error {
	return errors.Join(l.errs...)
}
