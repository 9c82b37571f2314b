package fee

import (
	"fmt"

	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// ReconciliationMismatchError reports that a tentative receipt number issued
// offline was replaced by a different confirmed number during replay. The
// tentative number may already have been shown or printed.
type ReconciliationMismatchError struct {
	InstallmentID     uuid.UUID
	Scope             Scope
	TentativeNumber   string
	TentativeSequence int64
	ConfirmedNumber   string
	ConfirmedSequence int64
}

// Error implements the error interface
func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("installment %s: tentative receipt %s (seq %d) confirmed as %s (seq %d)",
		e.InstallmentID, e.TentativeNumber, e.TentativeSequence, e.ConfirmedNumber, e.ConfirmedSequence)
}

// Unwrap lets errors.Is match shared.ErrReconciliationMismatch
func (e *ReconciliationMismatchError) Unwrap() error {
	return shared.ErrReconciliationMismatch
}
