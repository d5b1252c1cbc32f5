// Package redact strips credentials, paths and other sensitive details from
// strings before they are logged, stored as task failure reasons or returned
// to clients.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Placeholders substituted for redacted content.
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
	RedactedStackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

// MaxReasonLength bounds a failure reason after redaction, in bytes.
const MaxReasonLength = 1024

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// rules are applied in order. Stack traces and SQL go first so that the
// paths and values inside them are removed as a whole.
var rules = []rule{
	{
		regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		RedactedStackPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b[\s\w,*().]+?\b(FROM|INTO|SET)\b[^;\n]*`),
		RedactedSQLPlaceholder,
	},
	// userinfo in URLs: postgres://, redis://, amqp:// and friends
	{
		regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*)://[^/\s:@]+(?::[^/\s@]*)?@`),
		"${1}://" + RedactedCredentialPlaceholder + "@",
	},
	{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		RedactedJWTPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(password|passwd|pwd)(\s*[:=]\s*)[^\s&'"]+`),
		"${1}${2}" + RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|access[_-]?key)(\s*[:=]\s*)['"]?[A-Za-z0-9_\-.~+/]{8,}['"]?`),
		"${1}${2}" + RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		RedactedEmailPlaceholder,
	},
	{
		regexp.MustCompile(`(?:/[\w.-]+){2,}`),
		RedactedPathPlaceholder,
	},
	{
		regexp.MustCompile(`[A-Za-z]:\\[^\\\s]+(?:\\[^\\\s]+)+`),
		RedactedPathPlaceholder,
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.replacement)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Reason prepares a worker-supplied failure reason for storage: it is
// redacted, trimmed and cut to MaxReasonLength without splitting a rune.
func Reason(reason string) string {
	result := strings.TrimSpace(String(reason))
	if len(result) <= MaxReasonLength {
		return result
	}

	cut := MaxReasonLength - len("...")
	for cut > 0 && !utf8.RuneStart(result[cut]) {
		cut--
	}
	return result[:cut] + "..."
}
