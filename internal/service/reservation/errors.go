package reservation

import (
	"errors"
	"fmt"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// ErrInsufficientBalance is returned when an account's balance cannot
// cover the cost of the requested task. The reservation is not written.
var ErrInsufficientBalance = errors.New("insufficient balance for task")

// InvalidTransitionError is returned when a status update does not match
// the task state machine, including repeats of an already-applied
// terminal transition.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
