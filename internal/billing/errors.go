package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is matched by every *InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidTransition   = errors.New("invalid build status transition")
	ErrInvalidAmount       = errors.New("invalid credit amount")
	ErrUnknownPackage      = errors.New("unknown credit package")
)

// InsufficientCreditsError reports how far short the account is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d, short by %d", e.Required, e.Available, e.Shortfall)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func insufficient(required, available int64) *InsufficientCreditsError {
	return &InsufficientCreditsError{Required: required, Available: available, Shortfall: required - available}
}
