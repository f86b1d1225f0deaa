// Package redact strips sensitive values from log output, audit payloads and
// preview text before they leave the process or land in the database.
//
// Two families are handled: explicit secrets passed by the caller (API keys,
// access tokens) and personal/financial identifiers that show up in
// back-office payloads (e-mail addresses, IBANs). Redaction is best-effort
// and operates on string representations only.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

var (
	emailRe = regexp.MustCompile(`([A-Za-z0-9._%+\-])[A-Za-z0-9._%+\-]*@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	ibanRe  = regexp.MustCompile(`\b([A-Z]{2}\d{2})[A-Z0-9]{8,26}([A-Z0-9]{4})\b`)
)

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Email masks the local part of every e-mail address in s, keeping the first
// character and the domain ("j***@example.com").
func Email(s string) string {
	return emailRe.ReplaceAllString(s, "$1***@$2")
}

// IBAN masks bank account numbers, keeping the country/check prefix and the
// last four characters.
func IBAN(s string) string {
	return ibanRe.ReplaceAllString(s, "$1****$2")
}

// Personal applies Email and IBAN masking.
func Personal(s string) string {
	return IBAN(Email(s))
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for every
// key whose name suggests a secret, and Personal applied to the remaining
// string values.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		str, ok := v.(string)
		switch {
		case ok && isSensitiveKey(k) && str != "":
			out[k] = placeholder
		case ok:
			out[k] = Personal(str)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "apikey", "api_key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
