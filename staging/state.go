package staging

import "github.com/teranos/stagebus/errors"

// FileState is where one scan is in its life cycle:
// DETECTED -> CLAIMED -> STAGE (once per stage) -> FINALIZING -> DONE_SUCCESS | DONE_FAILED
//
// DETECTED is carried by the staging_file_detected event only. The claim and
// the manifest row are written in one step, so rows start at CLAIMED.
type FileState string

const (
	StateDetected    FileState = "DETECTED"
	StateClaimed     FileState = "CLAIMED"
	StateStage       FileState = "STAGE"
	StateFinalizing  FileState = "FINALIZING"
	StateDoneSuccess FileState = "DONE_SUCCESS"
	StateDoneFailed  FileState = "DONE_FAILED"
)

// Status is the concluded outcome recorded in the manifest
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsDone reports whether the scan has concluded
func (s FileState) IsDone() bool {
	return s == StateDoneSuccess || s == StateDoneFailed
}

var transitions = map[FileState][]FileState{
	StateDetected:   {StateClaimed},
	StateClaimed:    {StateStage, StateFinalizing},
	StateStage:      {StateStage, StateFinalizing},
	StateFinalizing: {StateDoneSuccess, StateDoneFailed},
}

// allowedFrom lists the states that may move to to
func allowedFrom(to FileState) []FileState {
	var from []FileState
	for f, tos := range transitions {
		for _, t := range tos {
			if t == to {
				from = append(from, f)
			}
		}
	}
	return from
}

// CheckTransition returns ErrInvalidStateTransition unless from -> to is
// allowed. The manifest uses it to explain an UPDATE that matched no row.
func CheckTransition(from, to FileState) error {
	for _, t := range transitions[from] {
		if t == to {
			return nil
		}
	}
	return errors.NewInvalidTransition("scan", string(from), string(to))
}
