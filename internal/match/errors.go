package match

import (
	"errors"
	"fmt"
)

// RejectionCode classifies why a participant action was refused
type RejectionCode string

const (
	RejectMatchNotActive RejectionCode = "MATCH_NOT_ACTIVE"
	RejectWrongPhase     RejectionCode = "WRONG_PHASE"
	RejectStaleRound     RejectionCode = "STALE_ROUND"
	RejectActorNotAlive  RejectionCode = "ACTOR_NOT_ALIVE"
	RejectNotMinority    RejectionCode = "NOT_MINORITY"
	RejectInvalidTarget  RejectionCode = "INVALID_TARGET"
	RejectDuplicate      RejectionCode = "DUPLICATE_SUBMISSION"
)

// RejectionError is returned when a participant action fails validation
type RejectionError struct {
	Code   RejectionCode
	Reason string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Reject builds a RejectionError
func Reject(code RejectionCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a RejectionError from err
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	// ErrNotFound is returned when a match is absent from the fast state
	ErrNotFound = errors.New("match not found")
	// ErrAlreadyInMatch is returned when a participant is still a member of an active match
	ErrAlreadyInMatch = errors.New("participant already in an active match")
	// ErrBallotsClosed is returned for ballots that arrive after the vote closed
	ErrBallotsClosed = errors.New("ballots are closed")
)
