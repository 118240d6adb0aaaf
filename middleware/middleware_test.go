package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/middleware"
	"github.com/xraph/notify/scope"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:             id.NewJobID(),
		EnvironmentID:  "env_test",
		OrganizationID: "org_test",
		WorkflowID:     id.NewWorkflowID(),
		Queue:          "default",
		Status:         job.StatusRunning,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestJob(), handler); err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChain_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	chain := middleware.Chain(middleware.Recover(slog.New(slog.DiscardHandler)))

	err := chain(context.Background(), newTestJob(), func(_ context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := middleware.Recover(slog.New(slog.DiscardHandler))

	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		panic("handler exploded")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
}

func TestScope_RestoresJobScope(t *testing.T) {
	j := newTestJob()
	mw := middleware.Scope()

	var got scope.Scope
	err := mw(context.Background(), j, func(ctx context.Context) error {
		got, _ = scope.From(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("mw: %v", err)
	}
	if got.EnvironmentID != "env_test" || got.OrganizationID != "org_test" {
		t.Fatalf("scope = %+v", got)
	}
}

func TestTimeout_CancelsContext(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)

	err := mw(context.Background(), newTestJob(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	mw := middleware.Timeout(0)

	err := mw(context.Background(), newTestJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mw: %v", err)
	}
}
