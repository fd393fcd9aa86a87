package domain

import "errors"

var (
	// Caller input.
	ErrInvalidExpression   = errors.New("cronflow: invalid cron expression")
	ErrUnreachableSchedule = errors.New("cronflow: cron expression never fires")
	ErrInvalidTask         = errors.New("cronflow: invalid task")
	ErrNameTaken           = errors.New("cronflow: task name already in use")
	ErrNotFound            = errors.New("cronflow: not found")

	// Store conditions the core retries or absorbs.
	ErrVersionConflict = errors.New("cronflow: task version conflict")
	ErrDuplicateID     = errors.New("cronflow: duplicate task id")
	ErrClaimConflict   = errors.New("cronflow: occurrence already claimed")

	// Ledger invariant violations.
	ErrUnknownAttempt = errors.New("cronflow: no in-progress attempt with that id")
	ErrInvalidOutcome = errors.New("cronflow: outcome is not terminal")
)

// IsValidation reports whether err stems from bad caller input and should be
// surfaced as a client error rather than an infrastructure failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidExpression) ||
		errors.Is(err, ErrUnreachableSchedule) ||
		errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrNameTaken)
}
