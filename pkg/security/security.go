// Package security provides validation, sanitization, and limits for the
// workflow engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/stepflow-io/stepflow/pkg/core"
)

// Security limits and configuration
const (
	// MaxNameLength is the maximum length for workflow, step, flow,
	// event, and guardrail names
	MaxNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for job payloads and
	// step outputs (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for processor concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxUniqueKeyLength is the maximum length for unique keys
	MaxUniqueKeyLength = 255

	// MaxCorrelationKeyLength is the maximum length for correlation keys
	MaxCorrelationKeyLength = 255

	// Retention bounds. Retention days is externally supplied
	// configuration and must never reach query construction unvalidated:
	// it is clamped to this range and bound as a query parameter, never
	// interpolated.
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateName validates a workflow, step, flow, event, or guardrail name
func ValidateName(name string) error {
	if name == "" {
		return core.ErrInvalidName
	}
	if len(name) > MaxNameLength {
		return core.ErrNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidName
	}
	return nil
}

// ValidateRetentionDays rejects retention bounds outside
// [MinRetentionDays, MaxRetentionDays]
func ValidateRetentionDays(days int) error {
	if days < MinRetentionDays || days > MaxRetentionDays {
		return core.ErrInvalidRetentionDays
	}
	return nil
}

// ValidateCorrelationKey validates an inbound correlation key. Keys are
// opaque but must be non-empty, printable, and bounded.
func ValidateCorrelationKey(key string) error {
	if key == "" || len(key) > MaxCorrelationKeyLength {
		return core.ErrInvalidCorrelation
	}
	for _, r := range key {
		if r < 32 || r == 127 {
			return core.ErrInvalidCorrelation
		}
	}
	return nil
}

// ValidateUniqueKey validates a unique key length
func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return core.ErrUniqueKeyTooLong
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampProgress ensures progress is within 0-100
func ClampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
