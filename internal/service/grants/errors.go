package grants

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a non-admin actor attempts a manual
// adjustment
var ErrUnauthorized = errors.New("actor is not an administrator")

// InvalidGrantError is returned when a payment event or adjustment fails
// validation. Nothing is written.
type InvalidGrantError struct {
	Field  string
	Reason string
}

func (e *InvalidGrantError) Error() string {
	return fmt.Sprintf("invalid grant: %s %s", e.Field, e.Reason)
}

// IsInvalidGrant reports whether err is an InvalidGrantError
func IsInvalidGrant(err error) bool {
	var ige *InvalidGrantError
	return errors.As(err, &ige)
}
