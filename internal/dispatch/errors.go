package dispatch

import (
	"errors"
	"fmt"
)

// ErrExhausted reports that every configured endpoint failed for one logical request.
var ErrExhausted = errors.New("all endpoints exhausted")

// ExhaustedError carries the attempts of a failed logical request.
type ExhaustedError struct {
	Task     string
	Attempts []Attempt
	// Last is the error of the final attempt.
	Last error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %s after %d attempts", e.Task, ErrExhausted, len(e.Attempts))
	}
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Task, ErrExhausted, len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
