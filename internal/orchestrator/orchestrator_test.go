package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"bulkmailer/internal/creator"
	"bulkmailer/internal/models"
	"bulkmailer/internal/source"
)

type fakeStore struct {
	job       models.Job
	cancelOK  bool
	cancelled bool
	failedMsg string
	resumable []string
}

func (f *fakeStore) GetJob(_ context.Context, _ string) (models.Job, error) {
	return f.job, nil
}

func (f *fakeStore) CancelJob(_ context.Context, _ string) (bool, error) {
	f.cancelled = true
	return f.cancelOK, nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, _ string, message string) error {
	f.failedMsg = message
	return nil
}

func (f *fakeStore) ListResumable(_ context.Context, limit int) ([]string, error) {
	if len(f.resumable) > limit {
		return f.resumable[:limit], nil
	}
	return f.resumable, nil
}

type fakeCreator struct {
	createErr error
	started   atomic.Int32
	startOK   bool
}

func (f *fakeCreator) Create(_ context.Context, p creator.Params) (models.Job, error) {
	if f.createErr != nil {
		return models.Job{}, f.createErr
	}
	return models.Job{ID: "job-1", Status: models.JobQueued, Subject: p.Subject}, nil
}

func (f *fakeCreator) StartCollection(_ context.Context, _ string) (bool, error) {
	f.started.Add(1)
	return f.startOK, nil
}

type fakeCollector struct {
	valid  int
	called atomic.Int32
}

func (f *fakeCollector) Collect(_ context.Context, _ string, _ source.Source) (int, int, error) {
	f.called.Add(1)
	return f.valid, 0, nil
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeRunner) Run(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

// closeSignalSource signals when the pipeline is done with the source, which
// happens after the send phase.
type closeSignalSource struct {
	source.Source
	done chan struct{}
}

func (s *closeSignalSource) Close() error {
	close(s.done)
	return nil
}

func newOrchestrator(st *fakeStore, cr *fakeCreator, col *fakeCollector, run *fakeRunner) (*Orchestrator, *Pool) {
	pool := NewPool(2, 4, zap.NewNop())
	pool.Start(context.Background())
	return New(st, cr, col, run, pool, zap.NewNop()), pool
}

func waitFor(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish in time")
	}
}

func TestCreateAndQueueRunsPipeline(t *testing.T) {
	st := &fakeStore{}
	cr := &fakeCreator{startOK: true}
	col := &fakeCollector{valid: 2}
	run := &fakeRunner{}
	o, pool := newOrchestrator(st, cr, col, run)
	defer pool.Stop()

	done := make(chan struct{})
	src := &closeSignalSource{Source: source.NewSlice([]string{"a@x.com"}), done: done}

	job, err := o.CreateAndQueue(context.Background(), creator.Params{Subject: "s", Body: "b", FromEmail: "a@x.com"}, src)
	if err != nil {
		t.Fatalf("create and queue: %v", err)
	}
	if job.ID != "job-1" || job.Status != models.JobQueued {
		t.Fatalf("unexpected job: %+v", job)
	}

	waitFor(t, done)
	if cr.started.Load() != 1 {
		t.Fatal("collection was not started")
	}
	if col.called.Load() != 1 {
		t.Fatal("collector was not invoked")
	}
	if got := run.ran(); len(got) != 1 || got[0] != "job-1" {
		t.Fatalf("send phase ran for %v, want [job-1]", got)
	}
}

func TestCreateAndQueueSkipsSendWithoutRecipients(t *testing.T) {
	st := &fakeStore{}
	cr := &fakeCreator{startOK: true}
	col := &fakeCollector{valid: 0}
	run := &fakeRunner{}
	o, pool := newOrchestrator(st, cr, col, run)
	defer pool.Stop()

	done := make(chan struct{})
	src := &closeSignalSource{Source: source.NewSlice(nil), done: done}

	if _, err := o.CreateAndQueue(context.Background(), creator.Params{Subject: "s", Body: "b", FromEmail: "a@x.com"}, src); err != nil {
		t.Fatalf("create and queue: %v", err)
	}
	waitFor(t, done)
	if len(run.ran()) != 0 {
		t.Fatal("send phase must not run for an empty broadcast")
	}
}

func TestCreateAndQueueSkipsPipelineWhenAlreadyAdvanced(t *testing.T) {
	st := &fakeStore{}
	cr := &fakeCreator{startOK: false}
	col := &fakeCollector{valid: 5}
	run := &fakeRunner{}
	o, pool := newOrchestrator(st, cr, col, run)
	defer pool.Stop()

	done := make(chan struct{})
	src := &closeSignalSource{Source: source.NewSlice(nil), done: done}

	if _, err := o.CreateAndQueue(context.Background(), creator.Params{Subject: "s", Body: "b", FromEmail: "a@x.com"}, src); err != nil {
		t.Fatalf("create and queue: %v", err)
	}
	waitFor(t, done)
	if col.called.Load() != 0 {
		t.Fatal("collection must not run when the job already advanced")
	}
}

func TestCreateAndQueueFailsJobWhenSubmitFails(t *testing.T) {
	st := &fakeStore{}
	run := &fakeRunner{}
	// One busy worker and a full queue of one: the third submit can only
	// fail via its context.
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())
	defer pool.Stop()
	o := New(st, &fakeCreator{startOK: true}, &fakeCollector{}, run, pool, zap.NewNop())

	block := make(chan struct{})
	defer close(block)
	_ = pool.Submit(context.Background(), func(_ context.Context) { <-block })
	_ = pool.Submit(context.Background(), func(_ context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.CreateAndQueue(ctx, creator.Params{Subject: "s", Body: "b", FromEmail: "a@x.com"}, source.NewSlice(nil))
	if err == nil {
		t.Fatal("expected error when the job cannot be queued")
	}
	if st.failedMsg == "" {
		t.Fatal("unqueued job must be marked failed, not left queued")
	}
}

func TestCreateAndQueuePropagatesCreateError(t *testing.T) {
	cr := &fakeCreator{createErr: errors.New("bad input")}
	o, pool := newOrchestrator(&fakeStore{}, cr, &fakeCollector{}, &fakeRunner{})
	defer pool.Stop()

	if _, err := o.CreateAndQueue(context.Background(), creator.Params{}, source.NewSlice(nil)); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusSnapshots(t *testing.T) {
	total := 5
	st := &fakeStore{job: models.Job{ID: "job-1", Status: models.JobRunning, Subject: "s", TotalRecipients: &total, SentCount: 3}}
	o, pool := newOrchestrator(st, &fakeCreator{}, &fakeCollector{}, &fakeRunner{})
	defer pool.Stop()

	snap, err := o.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.ID != "job-1" || snap.Status != models.JobRunning || snap.SentCount != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.TotalRecipients == nil || *snap.TotalRecipients != 5 {
		t.Fatalf("total recipients not carried: %+v", snap.TotalRecipients)
	}
}

func TestCancel(t *testing.T) {
	st := &fakeStore{cancelOK: true}
	o, pool := newOrchestrator(st, &fakeCreator{}, &fakeCollector{}, &fakeRunner{})
	defer pool.Stop()

	ok, err := o.Cancel(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	st.cancelOK = false
	ok, err = o.Cancel(context.Background(), "job-1")
	if err != nil || ok {
		t.Fatalf("terminal job should report false, got ok=%v err=%v", ok, err)
	}
}

func TestResumeInterrupted(t *testing.T) {
	st := &fakeStore{resumable: []string{"job-1", "job-2"}}
	run := &fakeRunner{}
	o, pool := newOrchestrator(st, &fakeCreator{}, &fakeCollector{}, run)

	n, err := o.ResumeInterrupted(context.Background(), 10)
	if err != nil || n != 2 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	pool.Stop()

	got := run.ran()
	if len(got) != 2 {
		t.Fatalf("resumed %v, want both jobs", got)
	}
}

func TestPoolStopWaitsForInFlightTasks(t *testing.T) {
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())

	var finished atomic.Bool
	if err := pool.Submit(context.Background(), func(_ context.Context) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Stop()
	if !finished.Load() {
		t.Fatal("stop returned before the task finished")
	}
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())
	defer pool.Stop()

	block := make(chan struct{})
	// Occupy the worker and fill the queue.
	_ = pool.Submit(context.Background(), func(_ context.Context) { <-block })
	_ = pool.Submit(context.Background(), func(_ context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(_ context.Context) {})
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
