// Package errors provides shared error handling utilities for bulkjobs.
package errors

import "fmt"

// WrapWithContext wraps err with additional context, or returns nil if err is nil.
func WrapWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// WrapWithContextf wraps err with formatted context.
func WrapWithContextf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
