// Package environment loads configuration from environment variables.
//
// Values are read through a Source, which optionally prefixes every variable
// name (TRADEDESK_DB_PATH for name "DB_PATH" with prefix "TRADEDESK_").
// Optional .env files are merged into the process environment by LoadDotEnv
// before any Source is consulted; variables already set in the environment
// always win.
package environment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv merges the given .env files into the process environment.
// Missing files are skipped; the names of the files actually loaded are
// returned. Existing variables are never overwritten.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// Source reads variables sharing a common name prefix.
type Source struct {
	prefix string
}

// New returns a Source whose lookups are prefixed with prefix.
func New(prefix string) Source {
	return Source{prefix: prefix}
}

// Key returns the full variable name for name.
func (s Source) Key(name string) string {
	return s.prefix + name
}

func (s Source) raw(name string) string {
	return strings.TrimSpace(os.Getenv(s.Key(name)))
}

// StringOr returns the variable's value, or defaultValue when unset or empty.
func (s Source) StringOr(name, defaultValue string) string {
	if v := s.raw(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the variable's value or an error naming the
// missing variable.
func (s Source) RequiredString(name string) (string, error) {
	v := s.raw(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", s.Key(name))
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool, falling back to
// defaultValue when unset or unparsable.
func (s Source) BoolOr(name string, defaultValue bool) bool {
	v := s.raw(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the variable as a decimal integer.
func (s Source) IntOr(name string, defaultValue int) int {
	v := s.raw(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the variable with time.ParseDuration ("90s", "15m").
func (s Source) DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := s.raw(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr splits the variable on commas, trimming blanks.
func (s Source) StringSliceOr(name string, defaultValue []string) []string {
	v := s.raw(name)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

var unprefixed = Source{}

// StringOr reads an unprefixed variable. See Source.StringOr.
func StringOr(name, defaultValue string) string { return unprefixed.StringOr(name, defaultValue) }

// RequiredString reads an unprefixed variable. See Source.RequiredString.
func RequiredString(name string) (string, error) { return unprefixed.RequiredString(name) }

// BoolOr reads an unprefixed variable. See Source.BoolOr.
func BoolOr(name string, defaultValue bool) bool { return unprefixed.BoolOr(name, defaultValue) }

// IntOr reads an unprefixed variable. See Source.IntOr.
func IntOr(name string, defaultValue int) int { return unprefixed.IntOr(name, defaultValue) }

// DurationOr reads an unprefixed variable. See Source.DurationOr.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	return unprefixed.DurationOr(name, defaultValue)
}

// StringSliceOr reads an unprefixed variable. See Source.StringSliceOr.
func StringSliceOr(name string, defaultValue []string) []string {
	return unprefixed.StringSliceOr(name, defaultValue)
}
