package ceiling

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied matches every PermissionDeniedError via errors.Is.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyResolved is returned when resolving a closed escalation.
	ErrAlreadyResolved = errors.New("escalation already resolved")
)

// PermissionDeniedError reports a request above the principal's ceiling.
// It is an authorization failure, not a retryable error.
type PermissionDeniedError struct {
	Principal string
	Requested PermissionLevel
	Ceiling   PermissionLevel
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: requested %s exceeds ceiling %s", e.Requested, e.Ceiling)
}

// Is lets errors.Is(err, ErrPermissionDenied) match.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}
