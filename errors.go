package pullstream

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is delivered to a request the producer can no longer
	// satisfy because it finished.
	ErrEndOfStream = errors.New("pullstream: end of stream")

	// ErrContractViolation is the parent of every caller misuse error.
	ErrContractViolation = errors.New("pullstream: contract violation")

	ErrRequestPending  = fmt.Errorf("%w: request already pending", ErrContractViolation)
	ErrAlreadyFinished = fmt.Errorf("%w: producer already finished", ErrContractViolation)
	ErrInvalidLength   = fmt.Errorf("%w: negative length", ErrContractViolation)
	ErrNilCallback     = fmt.Errorf("%w: nil callback", ErrContractViolation)

	// ErrCanceled is delivered to a request aborted by Cancel.
	ErrCanceled = errors.New("pullstream: request canceled")
)

func shortReadError(requested, remaining int) error {
	return fmt.Errorf("%w: requested %d bytes, %d remain", ErrEndOfStream, requested, remaining)
}
