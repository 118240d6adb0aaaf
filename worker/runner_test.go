package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/backoff"
	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/delay"
	"github.com/xraph/notify/digest"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/ext"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/lock"
	"github.com/xraph/notify/queue"
	"github.com/xraph/notify/send"
	"github.com/xraph/notify/store/memory"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/worker"
	"github.com/xraph/notify/workflow"
)

const testEnv = "env_prod"

// fixture wires a runner over in-memory backends with a controllable
// clock and a capturing email sender.
type fixture struct {
	store        *memory.Store
	queue        *queue.Memory
	runner       *worker.Runner
	subscriberID id.SubscriberID

	mu        sync.Mutex
	now       time.Time
	sent      []*channel.Message
	senderErr error
}

func newFixture(t *testing.T, wf *workflow.Workflow) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.New(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	f.queue = queue.NewMemory(queue.WithMemoryClock(clock))

	logger := slog.New(slog.DiscardHandler)
	recorder := execution.NewRecorder(f.store, logger)

	workflows := workflow.NewRegistry()
	if err := workflows.Register(wf); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	channels := channel.NewRegistry()
	channels.Register(channel.KindEmail, channel.SenderFunc(
		func(_ context.Context, msg *channel.Message, _ string) (*channel.Receipt, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.senderErr != nil {
				return nil, f.senderErr
			}
			f.sent = append(f.sent, msg)
			return &channel.Receipt{ProviderID: "prov_1", SentAt: f.now}, nil
		}))

	dispatcher := send.NewDispatcher(channels, recorder, logger)
	aggregator := digest.NewAggregator(f.store, lock.NewMemory(), f.queue, recorder, logger,
		digest.WithClock(clock))
	delays := delay.New(delay.WithClock(clock))
	dlqService := dlq.NewService(f.store, f.store, f.queue)

	f.runner = worker.NewRunner(
		f.store, workflows, f.store, f.queue,
		dispatcher, aggregator, delays, dlqService,
		recorder, ext.NewRegistry(logger), logger,
		worker.WithRunnerClock(clock),
		worker.WithBackoff(backoff.NewConstant(time.Minute)),
	)

	sub := &subscriber.Subscriber{
		Entity:        notify.NewEntity(),
		ID:            id.NewSubscriberID(),
		EnvironmentID: testEnv,
		Email:         "ada@example.com",
	}
	if err := f.store.UpsertSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	f.subscriberID = sub.ID
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) setSenderErr(err error) {
	f.mu.Lock()
	f.senderErr = err
	f.mu.Unlock()
}

func (f *fixture) sentMessages() []*channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*channel.Message(nil), f.sent...)
}

// newJob creates a queued job for the given step and returns its wake
// message.
func (f *fixture) newJob(t *testing.T, wf *workflow.Workflow, step *workflow.Step, payload string) (*job.Job, queue.Message) {
	t.Helper()
	j := &job.Job{
		Entity:        notify.NewEntity(),
		ID:            id.NewJobID(),
		EnvironmentID: testEnv,
		WorkflowID:    wf.ID,
		StepID:        step.ID,
		SubscriberID:  f.subscriberID,
		TriggerID:     id.NewTriggerID(),
		Queue:         "default",
		Payload:       json.RawMessage(payload),
		Status:        job.StatusQueued,
		MaxRetries:    3,
		RunAt:         f.now,
	}
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j, queue.Message{JobID: j.ID, EnvironmentID: testEnv, Queue: "default"}
}

func emailWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "welcome",
		Active: true,
		Steps: []workflow.Step{{
			ID:      id.NewStepID(),
			Name:    "send-email",
			Kind:    workflow.StepChannel,
			Channel: channel.KindEmail,
			Subject: "Hi {{.name}}",
			Body:    "Welcome, {{.name}}!",
		}},
	}
}

func TestRunnerExecutesChannelStep(t *testing.T) {
	t.Parallel()

	wf := emailWorkflow()
	f := newFixture(t, wf)
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{"name":"Ada"}`)
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := f.store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want %s", got.Status, job.StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.WorkerID != f.runner.WorkerID() {
		t.Errorf("WorkerID = %s, want %s", got.WorkerID, f.runner.WorkerID())
	}

	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Subject != "Hi Ada" || sent[0].Body != "Welcome, Ada!" {
		t.Errorf("rendered = %q / %q", sent[0].Subject, sent[0].Body)
	}
}

func TestRunnerDropsTerminalJob(t *testing.T) {
	t.Parallel()

	wf := emailWorkflow()
	f := newFixture(t, wf)
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{}`)
	if err := f.store.UpdateJobStatus(ctx, j.ID, job.StatusCancelled, "cancelled by api"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
	if len(f.sentMessages()) != 0 {
		t.Error("terminal job still dispatched a message")
	}
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	wf := emailWorkflow()
	f := newFixture(t, wf)
	f.setSenderErr(errors.New("smtp: connection refused"))
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{"name":"Ada"}`)
	execErr := f.runner.Execute(ctx, msg)
	if !errors.Is(execErr, notify.ErrChannelDispatch) {
		t.Fatalf("err = %v, want ErrChannelDispatch", execErr)
	}

	got, err := f.store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("Status = %s, want queued for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	wantRunAt := f.now.Add(time.Minute)
	if !got.RunAt.Equal(wantRunAt) {
		t.Errorf("RunAt = %s, want %s", got.RunAt, wantRunAt)
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1 retry message", f.queue.Len())
	}
}

func TestRunnerExhaustedRetriesGoToDLQ(t *testing.T) {
	t.Parallel()

	wf := emailWorkflow()
	f := newFixture(t, wf)
	f.setSenderErr(errors.New("smtp: connection refused"))
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{"name":"Ada"}`)
	j.MaxRetries = 1
	if err := f.store.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	// First attempt schedules a retry, second exhausts the budget.
	if err := f.runner.Execute(ctx, msg); err == nil {
		t.Fatal("first attempt succeeded unexpectedly")
	}
	if err := f.runner.Execute(ctx, msg); err == nil {
		t.Fatal("second attempt succeeded unexpectedly")
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !got.Terminal() {
		t.Error("exhausted job is not terminal")
	}

	count, err := f.store.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Fatalf("DLQ count = %d, want 1", count)
	}
}

func TestRunnerPermanentFailureSkipsRetry(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "sms-alert",
		Active: true,
		Steps: []workflow.Step{{
			ID:      id.NewStepID(),
			Name:    "send-sms",
			Kind:    workflow.StepChannel,
			Channel: channel.KindSMS,
			Body:    "alert",
		}},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	// Give the subscriber a phone so the dispatch reaches the sender
	// lookup, which fails permanently: no sms sender is registered.
	sub, err := f.store.GetSubscriber(ctx, f.subscriberID)
	if err != nil {
		t.Fatalf("GetSubscriber: %v", err)
	}
	sub.Phone = "+15550100"
	if err := f.store.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{}`)
	execErr := f.runner.Execute(ctx, msg)
	if !errors.Is(execErr, notify.ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", execErr)
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	count, _ := f.store.CountDLQ(ctx)
	if count != 1 {
		t.Fatalf("DLQ count = %d, want 1 (no retries for permanent errors)", count)
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", f.queue.Len())
	}
}

func TestRunnerFailedChannelStepChainsSibling(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "multi-channel-alert",
		Active: true,
		Steps: []workflow.Step{
			{
				ID:      id.NewStepID(),
				Name:    "send-sms",
				Kind:    workflow.StepChannel,
				Channel: channel.KindSMS,
				Body:    "alert",
			},
			{
				ID:      id.NewStepID(),
				Name:    "send-email",
				Kind:    workflow.StepChannel,
				Channel: channel.KindEmail,
				Body:    "alert for {{.name}}",
			},
		},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	sub, err := f.store.GetSubscriber(ctx, f.subscriberID)
	if err != nil {
		t.Fatalf("GetSubscriber: %v", err)
	}
	sub.Phone = "+15550100"
	if err := f.store.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}

	// No sms sender is registered, so the first step fails permanently.
	j, msg := f.newJob(t, wf, &wf.Steps[0], `{"name":"Ada"}`)
	execErr := f.runner.Execute(ctx, msg)
	if !errors.Is(execErr, notify.ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", execErr)
	}

	// The sms failure lands in the DLQ but must not silence the email
	// step: the chain continues.
	chained, err := f.store.ListJobsByTrigger(ctx, j.TriggerID)
	if err != nil {
		t.Fatalf("ListJobsByTrigger: %v", err)
	}
	if len(chained) != 2 {
		t.Fatalf("jobs for trigger = %d, want 2 (failed sms + chained email)", len(chained))
	}
	next := chained[1]
	if next.ParentID != j.ID {
		t.Errorf("ParentID = %s, want %s", next.ParentID, j.ID)
	}
	if next.StepID != wf.Steps[1].ID {
		t.Errorf("StepID = %s, want email step", next.StepID)
	}
	if next.Status != job.StatusQueued {
		t.Errorf("chained Status = %s, want queued", next.Status)
	}

	if err := f.runner.Execute(ctx, queue.Message{
		JobID:         next.ID,
		EnvironmentID: testEnv,
		Queue:         "default",
	}); err != nil {
		t.Fatalf("Execute email step: %v", err)
	}
	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1 email despite sms failure", len(sent))
	}
	if sent[0].Body != "alert for Ada" {
		t.Errorf("Body = %q, want %q", sent[0].Body, "alert for Ada")
	}
}

func TestRunnerTerminalFailureRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "sms-alert",
		Active: true,
		Steps: []workflow.Step{{
			ID:      id.NewStepID(),
			Name:    "send-sms",
			Kind:    workflow.StepChannel,
			Channel: channel.KindSMS,
			Body:    "alert",
		}},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	sub, err := f.store.GetSubscriber(ctx, f.subscriberID)
	if err != nil {
		t.Fatalf("GetSubscriber: %v", err)
	}
	sub.Phone = "+15550100"
	if err := f.store.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{}`)
	if execErr := f.runner.Execute(ctx, msg); !errors.Is(execErr, notify.ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", execErr)
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !got.Terminal() {
		t.Fatal("permanently failed job is not terminal")
	}
	before, err := f.store.ListDetails(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListDetails: %v", err)
	}

	// At-least-once delivery: the same message arrives again. It must
	// not re-run the step, append details, or duplicate the DLQ entry.
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	count, err := f.store.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Fatalf("DLQ count = %d, want 1 after redelivery", count)
	}
	after, err := f.store.ListDetails(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListDetails: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("details grew on redelivery: %d -> %d", len(before), len(after))
	}
}

func TestRunnerMissingWorkflowGoesToDLQ(t *testing.T) {
	t.Parallel()

	wf := emailWorkflow()
	f := newFixture(t, wf)
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{}`)
	j.WorkflowID = id.NewWorkflowID() // not registered
	if err := f.store.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	execErr := f.runner.Execute(ctx, msg)
	if !errors.Is(execErr, notify.ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", execErr)
	}
	count, _ := f.store.CountDLQ(ctx)
	if count != 1 {
		t.Fatalf("DLQ count = %d, want 1", count)
	}
}

func TestRunnerDelayStepParksAndResumes(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "reminder",
		Active: true,
		Steps: []workflow.Step{
			{
				ID:    id.NewStepID(),
				Name:  "wait",
				Kind:  workflow.StepDelay,
				Delay: &workflow.DelayConfig{For: time.Minute},
			},
			{
				ID:      id.NewStepID(),
				Name:    "send-email",
				Kind:    workflow.StepChannel,
				Channel: channel.KindEmail,
				Body:    "Reminder: {{.task}}",
			},
		},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{"task":"review"}`)

	// First arrival parks the job until the wake time.
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute (park): %v", err)
	}
	parked, _ := f.store.GetJob(ctx, j.ID)
	if parked.Status != job.StatusDelayed {
		t.Fatalf("Status = %s, want delayed", parked.Status)
	}
	wantWake := f.now.Add(time.Minute)
	if parked.Delay == nil || !parked.Delay.Until.Equal(wantWake) {
		t.Fatalf("Delay = %+v, want until %s", parked.Delay, wantWake)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 wake message", f.queue.Len())
	}

	// Wake after the delay elapses: the step completes and chains the
	// email step with the original payload.
	f.advance(61 * time.Second)
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute (wake): %v", err)
	}

	done, _ := f.store.GetJob(ctx, j.ID)
	if done.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want completed", done.Status)
	}

	chained, err := f.store.ListJobsByTrigger(ctx, j.TriggerID)
	if err != nil {
		t.Fatalf("ListJobsByTrigger: %v", err)
	}
	if len(chained) != 2 {
		t.Fatalf("jobs for trigger = %d, want 2", len(chained))
	}
	next := chained[1]
	if next.ParentID != j.ID {
		t.Errorf("ParentID = %s, want %s", next.ParentID, j.ID)
	}
	if next.StepID != wf.Steps[1].ID {
		t.Errorf("StepID = %s, want email step", next.StepID)
	}
	if next.Status != job.StatusQueued {
		t.Errorf("chained Status = %s, want queued", next.Status)
	}
	if string(next.Payload) != `{"task":"review"}` {
		t.Errorf("chained Payload = %s", next.Payload)
	}
}

func TestRunnerDelayEarlyWakeReparks(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "reminder",
		Active: true,
		Steps: []workflow.Step{{
			ID:    id.NewStepID(),
			Name:  "wait",
			Kind:  workflow.StepDelay,
			Delay: &workflow.DelayConfig{For: time.Hour},
		}},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	j, msg := f.newJob(t, wf, &wf.Steps[0], `{}`)
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute (park): %v", err)
	}

	// A premature delivery must re-park without state changes.
	f.advance(time.Minute)
	if err := f.runner.Execute(ctx, msg); err != nil {
		t.Fatalf("Execute (early wake): %v", err)
	}
	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusDelayed {
		t.Fatalf("Status = %s, want delayed", got.Status)
	}
	if f.queue.Len() != 2 {
		t.Errorf("queue len = %d, want 2 (original + re-park)", f.queue.Len())
	}
}

func digestWorkflow(interval time.Duration) *workflow.Workflow {
	return &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "activity-digest",
		Active: true,
		Steps: []workflow.Step{
			{
				ID:   id.NewStepID(),
				Name: "collect",
				Kind: workflow.StepDigest,
				Digest: &workflow.DigestConfig{
					Policy:   string(job.PolicyRegular),
					Interval: interval,
				},
			},
			{
				ID:      id.NewStepID(),
				Name:    "send-email",
				Kind:    workflow.StepChannel,
				Channel: channel.KindEmail,
				Subject: "{{.events_count}} updates",
				Body:    "You have {{.events_count}} new updates",
			},
		},
	}
}

// routeDigestTrigger creates a pending job for the digest step and
// routes it through the aggregator, as the engine does at trigger time.
func (f *fixture) routeDigestTrigger(t *testing.T, wf *workflow.Workflow, payload string) *job.Job {
	t.Helper()
	j := &job.Job{
		Entity:        notify.NewEntity(),
		ID:            id.NewJobID(),
		EnvironmentID: testEnv,
		WorkflowID:    wf.ID,
		StepID:        wf.Steps[0].ID,
		SubscriberID:  f.subscriberID,
		TriggerID:     id.NewTriggerID(),
		Queue:         "default",
		Payload:       json.RawMessage(payload),
		Status:        job.StatusPending,
		MaxRetries:    3,
		RunAt:         f.now,
	}
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create trigger job: %v", err)
	}
	if err := f.runner.Route(context.Background(), j, &wf.Steps[0]); err != nil {
		t.Fatalf("route trigger job: %v", err)
	}
	return j
}

func TestRunnerDigestCloseChainsComposedPayload(t *testing.T) {
	t.Parallel()

	wf := digestWorkflow(time.Minute)
	f := newFixture(t, wf)
	ctx := context.Background()

	first := f.routeDigestTrigger(t, wf, `{"order_id":"o_1"}`)
	f.advance(30 * time.Second)
	second := f.routeDigestTrigger(t, wf, `{"order_id":"o_2"}`)

	mergedJob, _ := f.store.GetJob(ctx, second.ID)
	if mergedJob.Status != job.StatusMerged {
		t.Fatalf("second trigger Status = %s, want merged", mergedJob.Status)
	}

	// Deliver the close message after the window ends.
	f.advance(31 * time.Second)
	closeMsg := queue.Message{JobID: first.ID, EnvironmentID: testEnv, Queue: "default"}
	if err := f.runner.Execute(ctx, closeMsg); err != nil {
		t.Fatalf("Execute (close): %v", err)
	}

	closed, _ := f.store.GetJob(ctx, first.ID)
	if closed.Status != job.StatusCompleted {
		t.Fatalf("digest job Status = %s, want completed", closed.Status)
	}

	jobs, err := f.store.ListJobsByTrigger(ctx, first.TriggerID)
	if err != nil {
		t.Fatalf("ListJobsByTrigger: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs for trigger = %d, want 2", len(jobs))
	}
	next := jobs[1]

	var composed struct {
		Events      []json.RawMessage `json:"events"`
		EventsCount int               `json:"events_count"`
	}
	if err := json.Unmarshal(next.Payload, &composed); err != nil {
		t.Fatalf("unmarshal composed payload: %v", err)
	}
	if composed.EventsCount != 2 || len(composed.Events) != 2 {
		t.Fatalf("composed = %+v, want 2 events", composed)
	}
	if string(composed.Events[0]) != `{"order_id":"o_1"}` {
		t.Errorf("first event = %s", composed.Events[0])
	}

	// Executing the chained email job renders with the composed payload.
	emailMsg := queue.Message{JobID: next.ID, EnvironmentID: testEnv, Queue: "default"}
	if err := f.runner.Execute(ctx, emailMsg); err != nil {
		t.Fatalf("Execute (email): %v", err)
	}
	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Subject != "2 updates" {
		t.Errorf("Subject = %q, want %q", sent[0].Subject, "2 updates")
	}
}

func TestRunnerDigestEarlyWakeReschedules(t *testing.T) {
	t.Parallel()

	wf := &workflow.Workflow{
		ID:     id.NewWorkflowID(),
		Name:   "comment-digest",
		Active: true,
		Steps: []workflow.Step{{
			ID:   id.NewStepID(),
			Name: "collect",
			Kind: workflow.StepDigest,
			Digest: &workflow.DigestConfig{
				Policy:      string(job.PolicyBackoff),
				Interval:    time.Minute,
				QuietPeriod: 20 * time.Second,
				MaxInterval: 3 * time.Minute,
			},
		}},
	}
	f := newFixture(t, wf)
	ctx := context.Background()

	first := f.routeDigestTrigger(t, wf, `{"n":1}`)

	// A merge inside the quiet period extends the close time.
	f.advance(50 * time.Second)
	f.routeDigestTrigger(t, wf, `{"n":2}`)

	extended, _ := f.store.GetJob(ctx, first.ID)
	if !extended.Digest.CloseAt.After(f.now) {
		t.Fatalf("CloseAt = %s not extended past %s", extended.Digest.CloseAt, f.now)
	}

	// The original close message now arrives early: the job must stay
	// parked and a fresh wake must be scheduled for the new close.
	f.advance(11 * time.Second)
	before := f.queue.Len()
	closeMsg := queue.Message{JobID: first.ID, EnvironmentID: testEnv, Queue: "default"}
	if err := f.runner.Execute(ctx, closeMsg); err != nil {
		t.Fatalf("Execute (early close): %v", err)
	}

	got, _ := f.store.GetJob(ctx, first.ID)
	if got.Status != job.StatusDelayed {
		t.Fatalf("Status = %s, want delayed", got.Status)
	}
	if f.queue.Len() != before+1 {
		t.Errorf("queue len = %d, want %d (rescheduled wake)", f.queue.Len(), before+1)
	}
}
