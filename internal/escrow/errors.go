package escrow

import "strconv"

// Error is the contract's failure taxonomy. Values are stable numeric codes.
type Error uint32

const (
	ErrAlreadyCompleted          Error = 1
	ErrNotAuthorized             Error = 2
	ErrInvalidDeadline           Error = 3
	ErrZeroAmount                Error = 4
	ErrEscrowNotFound            Error = 5
	ErrTransferFailed            Error = 6
	ErrInvalidBeneficiary        Error = 7
	ErrInvalidArbiter            Error = 8
	ErrCounterOverflow           Error = 9
	ErrInvalidDuration           Error = 10
	ErrReentrancy                Error = 11
	ErrInvalidMilestone          Error = 12
	ErrMilestoneNotApproved      Error = 13
	ErrWorkStarted               Error = 15
	ErrMilestoneAlreadySubmitted Error = 16
	ErrMilestoneNotSubmitted     Error = 17
)

// Code returns the snake_case identifier used in API responses.
func (e Error) Code() string {
	switch e {
	case ErrAlreadyCompleted:
		return "already_completed"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrInvalidDeadline:
		return "invalid_deadline"
	case ErrZeroAmount:
		return "zero_amount"
	case ErrEscrowNotFound:
		return "escrow_not_found"
	case ErrTransferFailed:
		return "transfer_failed"
	case ErrInvalidBeneficiary:
		return "invalid_beneficiary"
	case ErrInvalidArbiter:
		return "invalid_arbiter"
	case ErrCounterOverflow:
		return "counter_overflow"
	case ErrInvalidDuration:
		return "invalid_duration"
	case ErrReentrancy:
		return "reentrancy"
	case ErrInvalidMilestone:
		return "invalid_milestone"
	case ErrMilestoneNotApproved:
		return "milestone_not_approved"
	case ErrWorkStarted:
		return "work_started"
	case ErrMilestoneAlreadySubmitted:
		return "milestone_already_submitted"
	case ErrMilestoneNotSubmitted:
		return "milestone_not_submitted"
	}
	return "error_" + strconv.FormatUint(uint64(e), 10)
}

func (e Error) Error() string {
	return "escrow: " + e.Code()
}
