package timeclock

import "errors"

// State errors. Each maps to 409 Conflict; none of them mutates the record.
var (
	ErrAlreadyCheckedIn  = errors.New("already checked in today")
	ErrAlreadyCheckedOut = errors.New("already checked out today")
	ErrNoActiveSession   = errors.New("no active session")
	ErrAlreadyOnBreak    = errors.New("already on break")
	ErrNoActiveBreak     = errors.New("no active break")
	ErrConcurrentUpdate  = errors.New("attendance changed concurrently, retry")
)

// ErrRangeTooLarge is returned when a history or analytics range exceeds
// MaxRangeDays.
var ErrRangeTooLarge = errors.New("date range too large")

// ErrInvalidRange is returned when from is after to or a day key is malformed.
var ErrInvalidRange = errors.New("invalid date range")

// IsConflict reports whether err is one of the state errors.
func IsConflict(err error) bool {
	for _, target := range []error{
		ErrAlreadyCheckedIn, ErrAlreadyCheckedOut, ErrNoActiveSession,
		ErrAlreadyOnBreak, ErrNoActiveBreak, ErrConcurrentUpdate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
