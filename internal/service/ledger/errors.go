package ledger

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

var (
	// ErrNotFound is returned when deleting an unknown transaction.
	ErrNotFound = errors.New("transaction not found")

	// ErrApplyInProgress is returned when a retry key points at a record whose
	// effect has not finished applying.
	ErrApplyInProgress = errors.New("transaction apply in progress")

	// ErrPartialApply marks a failure after the record was persisted.
	ErrPartialApply = errors.New("ledger effect not applied")

	errAlreadyDeleted = errors.New("already deleted")
	errReclaimed      = errors.New("record was rolled back by recovery")
)

// PartialApplyError reports an effect that failed after some of its deltas were applied.
type PartialApplyError struct {
	Kind        models.Kind
	ID          primitive.ObjectID
	Applied     int
	Total       int
	Compensated bool
	Cause       error
}

func (e *PartialApplyError) Error() string {
	state := "compensated"
	if !e.Compensated {
		state = "NOT compensated, reconciliation required"
	}
	return fmt.Sprintf("%s %s: %d of %d deltas applied before failure (%s): %v",
		e.Kind, e.ID.Hex(), e.Applied, e.Total, state, e.Cause)
}

func (e *PartialApplyError) Unwrap() []error {
	return []error{ErrPartialApply, e.Cause}
}
