package enums

import "testing"

func TestParseSubmissionStatus(t *testing.T) {
	status, err := ParseSubmissionStatus("transcribed")
	if err != nil {
		t.Fatalf("ParseSubmissionStatus returned error: %v", err)
	}
	if status != SubmissionStatusTranscribed {
		t.Fatalf("unexpected status %s", status)
	}

	if _, err := ParseSubmissionStatus("bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestCanTransitionForwardOnly(t *testing.T) {
	forward := []SubmissionStatus{
		SubmissionStatusUploaded,
		SubmissionStatusTranscribing,
		SubmissionStatusTranscribed,
		SubmissionStatusEnhancing,
		SubmissionStatusEnhanced,
		SubmissionStatusDelivered,
	}

	for i := 0; i < len(forward)-1; i++ {
		if !forward[i].CanTransition(forward[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", forward[i], forward[i+1])
		}
	}

	// no regressions
	for i := 1; i < len(forward); i++ {
		if forward[i].CanTransition(forward[i-1]) {
			t.Fatalf("expected %s -> %s to be rejected", forward[i], forward[i-1])
		}
	}

	// skipping ahead is still forward
	if !SubmissionStatusUploaded.CanTransition(SubmissionStatusTranscribed) {
		t.Fatal("expected uploaded -> transcribed to be allowed")
	}
}

func TestCanTransitionFailure(t *testing.T) {
	for _, status := range []SubmissionStatus{
		SubmissionStatusUploaded,
		SubmissionStatusTranscribing,
		SubmissionStatusTranscribed,
		SubmissionStatusEnhancing,
		SubmissionStatusEnhanced,
	} {
		if !status.CanTransition(SubmissionStatusFailed) {
			t.Fatalf("expected %s -> failed to be allowed", status)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []SubmissionStatus{SubmissionStatusDelivered, SubmissionStatusFailed} {
		if !terminal.IsTerminal() {
			t.Fatalf("expected %s to be terminal", terminal)
		}
		for _, next := range validSubmissionStatuses {
			if terminal.CanTransition(next) {
				t.Fatalf("expected %s -> %s to be rejected", terminal, next)
			}
		}
	}
}
