package enums

import "fmt"

// SubmissionStatus describes the lifecycle state of a voice note submission.
type SubmissionStatus string

const (
	SubmissionStatusUploaded     SubmissionStatus = "uploaded"
	SubmissionStatusTranscribing SubmissionStatus = "transcribing"
	SubmissionStatusTranscribed  SubmissionStatus = "transcribed"
	SubmissionStatusEnhancing    SubmissionStatus = "enhancing"
	SubmissionStatusEnhanced     SubmissionStatus = "enhanced"
	SubmissionStatusDelivered    SubmissionStatus = "delivered"
	SubmissionStatusFailed       SubmissionStatus = "failed"
)

var validSubmissionStatuses = []SubmissionStatus{
	SubmissionStatusUploaded,
	SubmissionStatusTranscribing,
	SubmissionStatusTranscribed,
	SubmissionStatusEnhancing,
	SubmissionStatusEnhanced,
	SubmissionStatusDelivered,
	SubmissionStatusFailed,
}

// statusRank orders the forward path. Terminal states share the highest rank
// so neither can advance past the other.
var statusRank = map[SubmissionStatus]int{
	SubmissionStatusUploaded:     0,
	SubmissionStatusTranscribing: 1,
	SubmissionStatusTranscribed:  2,
	SubmissionStatusEnhancing:    3,
	SubmissionStatusEnhanced:     4,
	SubmissionStatusDelivered:    5,
	SubmissionStatusFailed:       5,
}

// String returns the literal string for the status.
func (s SubmissionStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s SubmissionStatus) IsValid() bool {
	for _, candidate := range validSubmissionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionStatusDelivered || s == SubmissionStatusFailed
}

// CanTransition reports whether a record may move from s to next. Forward
// moves along the fixed sequence are allowed; any non-terminal state may move
// sideways into failed. A status never regresses.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if next == SubmissionStatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// ParseSubmissionStatus converts raw input into a SubmissionStatus.
func ParseSubmissionStatus(value string) (SubmissionStatus, error) {
	for _, candidate := range validSubmissionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid submission status %q", value)
}
