package job

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"pending to merged", StatusPending, StatusMerged, true},
		{"queued to running", StatusQueued, StatusRunning, true},
		{"queued to merged", StatusQueued, StatusMerged, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to delayed", StatusRunning, StatusDelayed, true},
		{"delayed to queued", StatusDelayed, StatusQueued, true},
		{"failed to queued", StatusFailed, StatusQueued, true},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"merged is terminal", StatusMerged, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusQueued, false},
		{"no skipping pending to running", StatusPending, StatusRunning, false},
		{"no regression running to pending", StatusRunning, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"completed", Job{Status: StatusCompleted}, true},
		{"merged", Job{Status: StatusMerged}, true},
		{"cancelled", Job{Status: StatusCancelled}, true},
		{"running", Job{Status: StatusRunning}, false},
		{"failed with retries left", Job{Status: StatusFailed, RetryCount: 1, MaxRetries: 3}, false},
		{"failed exhausted", Job{Status: StatusFailed, RetryCount: 3, MaxRetries: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Terminal(); got != tt.want {
				t.Fatalf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}
