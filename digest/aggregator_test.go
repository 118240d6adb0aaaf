package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/lock"
	"github.com/xraph/notify/queue"
	"github.com/xraph/notify/workflow"
)

// fakeJobStore keeps jobs in insertion order so "oldest first" queries
// match the Store contract.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (s *fakeJobStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == jobID {
			return j, nil
		}
	}
	return nil, notify.ErrJobNotFound
}

func (s *fakeJobStore) UpdateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.jobs {
		if existing.ID == j.ID {
			s.jobs[i] = j
			return nil
		}
	}
	return notify.ErrJobNotFound
}

func (s *fakeJobStore) UpdateJobStatus(_ context.Context, jobID id.JobID, status job.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == jobID {
			j.Status = status
			j.StatusReason = reason
			return nil
		}
	}
	return notify.ErrJobNotFound
}

func (s *fakeJobStore) FindActiveJobsForDigestKey(_ context.Context, environmentID, key string) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.EnvironmentID != environmentID || j.Digest == nil || j.Digest.Key != key {
			continue
		}
		switch j.Status {
		case job.StatusPending, job.StatusQueued, job.StatusDelayed:
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeJobStore) ListJobsByTrigger(_ context.Context, triggerID id.TriggerID) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.TriggerID == triggerID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeJobStore) ReapStaleJobs(_ context.Context, _ time.Duration) ([]*job.Job, error) {
	return nil, nil
}

type fakeDetailStore struct {
	mu      sync.Mutex
	details []*execution.Detail
}

func (s *fakeDetailStore) AppendDetail(_ context.Context, d *execution.Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details = append(s.details, d)
	return nil
}

func (s *fakeDetailStore) ListDetails(_ context.Context, jobID id.JobID) ([]*execution.Detail, error) {
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

type aggFixture struct {
	jobs    *fakeJobStore
	queue   *queue.Memory
	details *fakeDetailStore
	agg     *Aggregator
	now     time.Time
	mu      sync.Mutex
}

func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()
	f := &aggFixture{
		jobs:    &fakeJobStore{},
		details: &fakeDetailStore{},
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	f.queue = queue.NewMemory(queue.WithMemoryClock(clock))
	f.agg = NewAggregator(
		f.jobs,
		lock.NewMemory(),
		f.queue,
		execution.NewRecorder(f.details, slog.New(slog.DiscardHandler)),
		slog.New(slog.DiscardHandler),
		WithClock(clock),
	)
	return f
}

func (f *aggFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *aggFixture) newJob(t *testing.T, wf id.WorkflowID, sub id.SubscriberID, payload string) *job.Job {
	t.Helper()
	j := &job.Job{
		Entity:        notify.NewEntity(),
		ID:            id.NewJobID(),
		EnvironmentID: "env_test",
		WorkflowID:    wf,
		StepID:        id.NewStepID(),
		SubscriberID:  sub,
		TriggerID:     id.NewTriggerID(),
		Queue:         "default",
		Payload:       json.RawMessage(payload),
		Status:        job.StatusPending,
	}
	if err := f.jobs.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func regularConfig() *workflow.DigestConfig {
	return &workflow.DigestConfig{Policy: "regular", Interval: time.Minute}
}

func TestAggregatorOpensWindowOnFirstTrigger(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()

	j := f.newJob(t, wf, sub, `{"n":1}`)
	res, err := f.agg.Add(ctx, j, regularConfig())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res != ResultCreated {
		t.Fatalf("result = %q, want created", res)
	}
	if j.Status != job.StatusDelayed {
		t.Fatalf("status = %q, want delayed", j.Status)
	}

	wantClose := f.now.Add(time.Minute)
	if j.Digest == nil || !j.Digest.CloseAt.Equal(wantClose) {
		t.Fatalf("close at = %+v, want %v", j.Digest, wantClose)
	}
	if !j.RunAt.Equal(wantClose) {
		t.Fatalf("run at = %v, want %v", j.RunAt, wantClose)
	}

	// The close message is parked until the window ends.
	msgs, err := f.queue.Dequeue(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("close message delivered early: %+v", msgs)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", f.queue.Len())
	}
}

func TestAggregatorMergesSequentialTriggers(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()

	first := f.newJob(t, wf, sub, `{"n":1}`)
	if _, err := f.agg.Add(ctx, first, regularConfig()); err != nil {
		t.Fatalf("Add first: %v", err)
	}

	for n := 2; n <= 4; n++ {
		f.advance(5 * time.Second)
		j := f.newJob(t, wf, sub, fmt.Sprintf(`{"n":%d}`, n))
		res, err := f.agg.Add(ctx, j, regularConfig())
		if err != nil {
			t.Fatalf("Add %d: %v", n, err)
		}
		if res != ResultMerged {
			t.Fatalf("result %d = %q, want merged", n, res)
		}
		if j.Status != job.StatusMerged {
			t.Fatalf("job %d status = %q, want merged", n, j.Status)
		}
	}

	active, err := f.jobs.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Digest.EventsCount != 4 {
		t.Fatalf("events count = %d, want 4", active.Digest.EventsCount)
	}

	// Events accumulate in arrival order.
	for i, raw := range active.Digest.Events {
		var event struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if event.N != i+1 {
			t.Fatalf("event %d = %d, want %d", i, event.N, i+1)
		}
	}
}

func TestAggregatorConcurrentTriggersCreateOneWindow(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()

	const triggers = 8
	results := make(chan Result, triggers)

	pending := make([]*job.Job, triggers)
	for i := range pending {
		pending[i] = f.newJob(t, wf, sub, fmt.Sprintf(`{"n":%d}`, i))
	}

	var wg sync.WaitGroup
	for _, j := range pending {
		wg.Add(1)
		go func(j *job.Job) {
			defer wg.Done()
			res, err := f.agg.Add(ctx, j, regularConfig())
			if err != nil {
				t.Errorf("Add %s: %v", j.ID, err)
				return
			}
			results <- res
		}(j)
	}
	wg.Wait()
	close(results)

	var created, merged int
	for res := range results {
		switch res {
		case ResultCreated:
			created++
		case ResultMerged:
			merged++
		}
	}
	if created != 1 || merged != triggers-1 {
		t.Fatalf("created/merged = %d/%d, want 1/%d", created, merged, triggers-1)
	}

	key := WindowKey("env_test", wf.String(), sub.String(), "")
	active, err := f.jobs.FindActiveJobsForDigestKey(ctx, "env_test", key)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active jobs = %d, want 1", len(active))
	}
	if active[0].Digest.EventsCount != triggers {
		t.Fatalf("events count = %d, want %d", active[0].Digest.EventsCount, triggers)
	}
}

func TestAggregatorPartitionsByDigestKey(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()
	cfg := &workflow.DigestConfig{Policy: "regular", Interval: time.Minute, Key: "project"}

	a := f.newJob(t, wf, sub, `{"project":"alpha"}`)
	b := f.newJob(t, wf, sub, `{"project":"beta"}`)

	if res, err := f.agg.Add(ctx, a, cfg); err != nil || res != ResultCreated {
		t.Fatalf("alpha: res=%v err=%v", res, err)
	}
	// A different partition value opens its own window.
	if res, err := f.agg.Add(ctx, b, cfg); err != nil || res != ResultCreated {
		t.Fatalf("beta: res=%v err=%v", res, err)
	}
}

func TestAggregatorBackoffExtendsCloseInQuietPeriod(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()
	cfg := &workflow.DigestConfig{
		Policy:      "backoff",
		Interval:    time.Minute,
		QuietPeriod: 20 * time.Second,
		MaxInterval: 3 * time.Minute,
	}

	opened := f.now
	first := f.newJob(t, wf, sub, `{"n":1}`)
	if _, err := f.agg.Add(ctx, first, cfg); err != nil {
		t.Fatalf("Add first: %v", err)
	}

	// A merge well before the quiet period leaves the close alone.
	f.advance(10 * time.Second)
	early := f.newJob(t, wf, sub, `{"n":2}`)
	if _, err := f.agg.Add(ctx, early, cfg); err != nil {
		t.Fatalf("Add early: %v", err)
	}
	active, _ := f.jobs.GetJob(ctx, first.ID)
	if !active.Digest.CloseAt.Equal(opened.Add(time.Minute)) {
		t.Fatalf("close moved outside quiet period: %v", active.Digest.CloseAt)
	}

	// A merge at t=50s lands inside the quiet period and pushes close
	// to t=70s.
	f.advance(40 * time.Second)
	late := f.newJob(t, wf, sub, `{"n":3}`)
	if _, err := f.agg.Add(ctx, late, cfg); err != nil {
		t.Fatalf("Add late: %v", err)
	}
	active, _ = f.jobs.GetJob(ctx, first.ID)
	want := opened.Add(70 * time.Second)
	if !active.Digest.CloseAt.Equal(want) {
		t.Fatalf("close = %v, want %v", active.Digest.CloseAt, want)
	}
	if !active.RunAt.Equal(want) {
		t.Fatalf("run at = %v, want %v", active.RunAt, want)
	}
}

func TestAggregatorTriggerAfterCloseOpensNewWindow(t *testing.T) {
	t.Parallel()

	f := newAggFixture(t)
	wf, sub := id.NewWorkflowID(), id.NewSubscriberID()
	ctx := context.Background()

	first := f.newJob(t, wf, sub, `{"n":1}`)
	if _, err := f.agg.Add(ctx, first, regularConfig()); err != nil {
		t.Fatalf("Add first: %v", err)
	}

	// The close-time runner has claimed the window's job.
	first.Status = job.StatusRunning
	if err := f.jobs.UpdateJob(ctx, first); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	f.advance(time.Minute)
	next := f.newJob(t, wf, sub, `{"n":2}`)
	res, err := f.agg.Add(ctx, next, regularConfig())
	if err != nil {
		t.Fatalf("Add next: %v", err)
	}
	if res != ResultCreated {
		t.Fatalf("result = %q, want created", res)
	}
}
