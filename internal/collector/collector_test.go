package collector

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"bulkmailer/internal/models"
	"bulkmailer/internal/source"
)

type fakeStore struct {
	job models.Job

	inserted     map[string]int
	insertErr    error
	finished     bool
	finishTotal  int
	finishSkip   int
	finishStatus string
	finishMsg    *string
	failedMsg    string
}

func newFakeStore(status string) *fakeStore {
	return &fakeStore{
		job:      models.Job{ID: "job-1", Status: status},
		inserted: make(map[string]int),
	}
}

func (f *fakeStore) GetJob(_ context.Context, _ string) (models.Job, error) {
	return f.job, nil
}

func (f *fakeStore) InsertRecipients(_ context.Context, _ string, emails []string) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	n := 0
	for _, e := range emails {
		if f.inserted[e] == 0 {
			n++
		}
		f.inserted[e]++
	}
	return n, nil
}

func (f *fakeStore) FinishCollection(_ context.Context, _ string, total, skipped int, status string, message *string) error {
	f.finished = true
	f.finishTotal = total
	f.finishSkip = skipped
	f.finishStatus = status
	f.finishMsg = message
	return nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, _ string, message string) error {
	f.failedMsg = message
	return nil
}

func TestCollectValidatesAndCounts(t *testing.T) {
	store := newFakeStore(models.JobCollecting)
	c := New(store, 100, zap.NewNop())

	src := source.NewSlice([]string{"good@x.com", "not-an-email", "also@x.com"})
	valid, skipped, err := c.Collect(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if valid != 2 || skipped != 1 {
		t.Fatalf("got valid=%d skipped=%d, want 2/1", valid, skipped)
	}
	if !store.finished || store.finishStatus != models.JobRunning {
		t.Fatalf("job should finish collection as running, got %q", store.finishStatus)
	}
	if store.finishTotal != 2 || store.finishSkip != 1 {
		t.Fatalf("persisted totals %d/%d, want 2/1", store.finishTotal, store.finishSkip)
	}
}

func TestCollectDeduplicatesCaseInsensitively(t *testing.T) {
	store := newFakeStore(models.JobCollecting)
	c := New(store, 100, zap.NewNop())

	src := source.NewSlice([]string{"A@x.com", "a@X.com"})
	valid, skipped, err := c.Collect(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if valid != 1 || skipped != 1 {
		t.Fatalf("got valid=%d skipped=%d, want 1/1", valid, skipped)
	}
	if len(store.inserted) != 1 || store.inserted["a@x.com"] != 1 {
		t.Fatalf("expected a single a@x.com row, got %v", store.inserted)
	}
}

func TestCollectNoOpsOutsideCollecting(t *testing.T) {
	store := newFakeStore(models.JobRunning)
	c := New(store, 100, zap.NewNop())

	valid, skipped, err := c.Collect(context.Background(), "job-1", source.NewSlice([]string{"a@x.com"}))
	if err != nil || valid != 0 || skipped != 0 {
		t.Fatalf("expected no-op, got valid=%d skipped=%d err=%v", valid, skipped, err)
	}
	if store.finished {
		t.Fatal("no-op must not finish collection")
	}
}

func TestCollectZeroValidCompletes(t *testing.T) {
	store := newFakeStore(models.JobCollecting)
	c := New(store, 100, zap.NewNop())

	valid, _, err := c.Collect(context.Background(), "job-1", source.NewSlice([]string{"nope", "@bad.com"}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if valid != 0 {
		t.Fatalf("expected zero valid, got %d", valid)
	}
	if store.finishStatus != models.JobCompleted {
		t.Fatalf("zero valid recipients should complete the job, got %q", store.finishStatus)
	}
	if store.finishMsg == nil || *store.finishMsg == "" {
		t.Fatal("completion without recipients should carry an explanatory message")
	}
}

func TestCollectBatchesInserts(t *testing.T) {
	store := newFakeStore(models.JobCollecting)
	c := New(store, 2, zap.NewNop())

	src := source.NewSlice([]string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"})
	valid, _, err := c.Collect(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if valid != 5 || len(store.inserted) != 5 {
		t.Fatalf("expected 5 inserted rows, got valid=%d rows=%d", valid, len(store.inserted))
	}
}

func TestCollectMarksJobFailedOnStoreError(t *testing.T) {
	store := newFakeStore(models.JobCollecting)
	store.insertErr = errors.New("disk full")
	c := New(store, 1, zap.NewNop())

	_, _, err := c.Collect(context.Background(), "job-1", source.NewSlice([]string{"a@x.com"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if store.failedMsg == "" {
		t.Fatal("job should be marked failed with a message")
	}
	if store.finished {
		t.Fatal("failed collection must not record totals")
	}
}
