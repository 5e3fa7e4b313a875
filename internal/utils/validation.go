package utils

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Request limits for the admin API
const (
	MaxProcessNameLength = 64
	// MaxPayloadSize bounds a single Send body. Block sizes are capped at
	// 64KiB so nothing larger can land anyway.
	MaxPayloadSize = 64 * 1024
	MaxReadLength  = 64 * 1024
)

// ProcessNamePattern allows alphanumeric, hyphens, underscores and dots
var ProcessNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidationError names the field that failed
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateProcessName checks a binding name before it reaches the process table
func ValidateProcessName(field, name string) error {
	if name == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if n := utf8.RuneCountInString(name); n > MaxProcessNameLength {
		return &ValidationError{Field: field, Message: fmt.Sprintf("length %d exceeds maximum %d", n, MaxProcessNameLength)}
	}
	if !ProcessNamePattern.MatchString(name) {
		return &ValidationError{Field: field, Message: "must contain only letters, digits, '.', '-' and '_'"}
	}
	return nil
}

// ValidateColocate is ValidateProcessName for the optional colocate_with field
func ValidateColocate(name string) error {
	if name == "" {
		return nil
	}
	return ValidateProcessName("colocate_with", name)
}

// ValidatePayload checks a message body size
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(payload), MaxPayloadSize)}
	}
	return nil
}

// ValidateRange checks a read window
func ValidateRange(offset, length int) error {
	if offset < 0 {
		return &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if length < 0 || length > MaxReadLength {
		return &ValidationError{Field: "length", Message: fmt.Sprintf("must be between 0 and %d", MaxReadLength)}
	}
	return nil
}
