package send

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/workflow"
)

type capturingStore struct {
	mu      sync.Mutex
	details []*execution.Detail
}

func (s *capturingStore) AppendDetail(_ context.Context, d *execution.Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details = append(s.details, d)
	return nil
}

func (s *capturingStore) ListDetails(_ context.Context, jobID id.JobID) ([]*execution.Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*execution.Detail
	for _, d := range s.details {
		if d.JobID == jobID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *capturingStore) last(t *testing.T) *execution.Detail {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.details) == 0 {
		t.Fatal("no execution details recorded")
	}
	return s.details[len(s.details)-1]
}

type denyAll struct{}

func (denyAll) GetPreference(context.Context, id.SubscriberID, id.WorkflowID, channel.Kind) (bool, error) {
	return false, nil
}

func testJob() *job.Job {
	return &job.Job{
		ID:            id.NewJobID(),
		EnvironmentID: "env_test",
		WorkflowID:    id.NewWorkflowID(),
		Status:        job.StatusRunning,
	}
}

func emailStep() *workflow.Step {
	return &workflow.Step{
		ID:      id.NewStepID(),
		Kind:    workflow.StepChannel,
		Channel: channel.KindEmail,
		Subject: "Hello {{.name}}",
		Body:    "You have {{.count}} updates",
	}
}

func emailSubscriber() *subscriber.Subscriber {
	return &subscriber.Subscriber{
		ID:            id.NewSubscriberID(),
		EnvironmentID: "env_test",
		Email:         "ada@example.com",
	}
}

func okSender(got *[]string) channel.Sender {
	var mu sync.Mutex
	return channel.SenderFunc(func(_ context.Context, _ *channel.Message, target string) (*channel.Receipt, error) {
		mu.Lock()
		defer mu.Unlock()
		*got = append(*got, target)
		return &channel.Receipt{ProviderID: "prov-1", SentAt: time.Now()}, nil
	})
}

func newTestDispatcher(store *capturingStore, reg *channel.Registry, opts ...Option) *Dispatcher {
	logger := slog.New(slog.DiscardHandler)
	return NewDispatcher(reg, execution.NewRecorder(store, logger), logger, opts...)
}

func TestDispatchSendsRenderedMessage(t *testing.T) {
	t.Parallel()

	var sent []string
	var captured *channel.Message
	reg := channel.NewRegistry()
	reg.Register(channel.KindEmail, channel.SenderFunc(func(_ context.Context, msg *channel.Message, target string) (*channel.Receipt, error) {
		captured = msg
		sent = append(sent, target)
		return &channel.Receipt{ProviderID: "prov-42", SentAt: time.Now()}, nil
	}))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	out, err := d.Dispatch(context.Background(), testJob(), emailStep(), emailSubscriber(), []byte(`{"name":"Ada","count":3}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSent {
		t.Fatalf("status = %q, want sent", out.Status)
	}
	if len(sent) != 1 || sent[0] != "ada@example.com" {
		t.Fatalf("targets = %v", sent)
	}
	if captured.Subject != "Hello Ada" || captured.Body != "You have 3 updates" {
		t.Fatalf("rendered = %q / %q", captured.Subject, captured.Body)
	}
	if d := store.last(t); d.Status != execution.StatusSuccess || d.Source != execution.SourceDispatcher {
		t.Fatalf("detail = %+v", d)
	}
}

func TestDispatchSkipsOnFilterMismatch(t *testing.T) {
	t.Parallel()

	var sent []string
	reg := channel.NewRegistry()
	reg.Register(channel.KindEmail, okSender(&sent))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	step := emailStep()
	step.Filters = []workflow.Filter{{
		Value: "AND",
		Conditions: []workflow.Condition{
			{On: workflow.OnPayload, Field: "severity", Operator: workflow.OpEqual, Value: "critical"},
		},
	}}

	out, err := d.Dispatch(context.Background(), testJob(), step, emailSubscriber(), []byte(`{"severity":"info"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
	if len(sent) != 0 {
		t.Fatalf("sender called on skip: %v", sent)
	}
	if d := store.last(t); d.Status != execution.StatusSkipped || d.Source != execution.SourceMatcher {
		t.Fatalf("detail = %+v", d)
	}
}

func TestDispatchSkipsOnDisabledPreference(t *testing.T) {
	t.Parallel()

	var sent []string
	reg := channel.NewRegistry()
	reg.Register(channel.KindEmail, okSender(&sent))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg, WithPreferenceSource(denyAll{}))

	out, err := d.Dispatch(context.Background(), testJob(), emailStep(), emailSubscriber(), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
	if len(sent) != 0 {
		t.Fatal("sender called despite disabled preference")
	}
}

func TestDispatchSkipsOnMissingTarget(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.Register(channel.KindSMS, channel.SenderFunc(func(context.Context, *channel.Message, string) (*channel.Receipt, error) {
		t.Error("sender called without a target")
		return nil, nil
	}))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	step := emailStep()
	step.Channel = channel.KindSMS

	sub := emailSubscriber() // no phone number
	out, err := d.Dispatch(context.Background(), testJob(), step, sub, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
}

func TestDispatchFailsWithoutSender(t *testing.T) {
	t.Parallel()

	store := &capturingStore{}
	d := newTestDispatcher(store, channel.NewRegistry())

	_, err := d.Dispatch(context.Background(), testJob(), emailStep(), emailSubscriber(), nil)
	if !errors.Is(err, notify.ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", err)
	}
	if d := store.last(t); d.Status != execution.StatusFailed {
		t.Fatalf("detail = %+v", d)
	}
}

func TestDispatchWrapsProviderFailure(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.Register(channel.KindEmail, channel.SenderFunc(func(context.Context, *channel.Message, string) (*channel.Receipt, error) {
		return nil, errors.New("smtp: connection refused")
	}))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	_, err := d.Dispatch(context.Background(), testJob(), emailStep(), emailSubscriber(), nil)
	if !errors.Is(err, notify.ErrChannelDispatch) {
		t.Fatalf("err = %v, want ErrChannelDispatch", err)
	}
}

func TestDispatchPushFansOutAcrossDeviceTokens(t *testing.T) {
	t.Parallel()

	var sent []string
	reg := channel.NewRegistry()
	reg.Register(channel.KindPush, okSender(&sent))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	step := emailStep()
	step.Channel = channel.KindPush

	sub := emailSubscriber()
	sub.DeviceTokens = []string{"tok-1", "tok-2", "tok-3"}

	out, err := d.Dispatch(context.Background(), testJob(), step, sub, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSent {
		t.Fatalf("status = %q, want sent", out.Status)
	}
	if len(out.Receipts) != 3 || len(sent) != 3 {
		t.Fatalf("receipts/sent = %d/%d, want 3/3", len(out.Receipts), len(sent))
	}
}

func TestDispatchSucceedsWhenOneTargetFails(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.Register(channel.KindPush, channel.SenderFunc(func(_ context.Context, _ *channel.Message, target string) (*channel.Receipt, error) {
		if target == "tok-bad" {
			return nil, errors.New("unregistered token")
		}
		return &channel.Receipt{SentAt: time.Now()}, nil
	}))
	store := &capturingStore{}
	d := newTestDispatcher(store, reg)

	step := emailStep()
	step.Channel = channel.KindPush

	sub := emailSubscriber()
	sub.DeviceTokens = []string{"tok-good", "tok-bad"}

	out, err := d.Dispatch(context.Background(), testJob(), step, sub, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusSent || len(out.Receipts) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}
