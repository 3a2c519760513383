package services

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrParticipantNotFound     = errors.New("participant not found")
	ErrExperimenterNotFound    = errors.New("session experimenter not found")
	ErrInvalidParticipantCount = errors.New("number of participants must be positive")
	ErrPaymentsNotReady        = errors.New("payments are not ready: some payoffs are incomplete")
	ErrRemediationFailed       = errors.New("advancing last-place participants failed")
	ErrNoBotClient             = errors.New("no bot client configured")
	ErrAlreadyFinished         = errors.New("participant has finished all pages")
	ErrLookupMissing           = errors.New("no page lookup for participant and index")
	ErrRoomEmpty               = errors.New("room has no session")
	ErrSessionFull             = errors.New("session has no unclaimed participants")
	ErrInvalidRoomName         = errors.New("invalid room name")
	ErrGlobalStateClosed       = errors.New("global state is closed")
	ErrWrongPage               = errors.New("participant is not on the requested page")
)

// WrongPageError is returned when a request targets a page other than the
// participant's current one. URL is where the participant should be.
type WrongPageError struct {
	Requested int
	Current   int
	URL       string
}

func (e *WrongPageError) Error() string {
	return fmt.Sprintf("requested page %d but participant is on page %d", e.Requested, e.Current)
}

func (e *WrongPageError) Is(target error) bool {
	return target == ErrWrongPage
}
