package model

import "github.com/rotisserie/eris"

// Error taxonomy for orchestration operations. Callers classify failures
// with errors.Is; wrapped causes carry the detail.
var (
	// ErrNotFound indicates a job, provider, or trust score lookup miss.
	ErrNotFound = eris.New("not found")

	// ErrConflict indicates a duplicate creation where uniqueness is required.
	ErrConflict = eris.New("conflict")

	// ErrRemoteFailure indicates an agent gateway transport, timeout, or
	// non-success response.
	ErrRemoteFailure = eris.New("remote failure")

	// ErrValidationFault indicates malformed input to an orchestration
	// operation, such as an empty provider set.
	ErrValidationFault = eris.New("validation fault")
)
