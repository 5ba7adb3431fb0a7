package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers dispatch with errors.Is;
// wrapped messages carry the operation and identifiers for retry/reporting.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrUpstream   = errors.New("upstream unavailable")
	ErrConflict   = errors.New("conflict")
)

func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func NotFoundErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func UpstreamErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstream)...)
}

func ConflictErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}
