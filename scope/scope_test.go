package scope

import (
	"context"
	"testing"
)

func TestCaptureRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Empty context captures nothing.
	env, org := Capture(ctx)
	if env != "" || org != "" {
		t.Fatalf("Capture on empty context = (%q, %q)", env, org)
	}

	ctx = Restore(ctx, "env_1", "org_1")
	env, org = Capture(ctx)
	if env != "env_1" || org != "org_1" {
		t.Fatalf("Capture = (%q, %q), want (env_1, org_1)", env, org)
	}
}

func TestRestoreNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if got := Restore(ctx, "", ""); got != ctx {
		t.Fatal("Restore with empty IDs should return the context unchanged")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		env  string
		want bool
	}{
		{"no scope passes", context.Background(), "env_1", true},
		{"matching scope passes", Restore(context.Background(), "env_1", "org_1"), "env_1", true},
		{"mismatched scope fails", Restore(context.Background(), "env_1", "org_1"), "env_2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Check(tt.ctx, tt.env); got != tt.want {
				t.Fatalf("Check = %v, want %v", got, tt.want)
			}
		})
	}
}
