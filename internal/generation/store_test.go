package generation

import (
	"errors"
	"testing"
	"time"

	"genserver/internal/domain"
)

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore()
	job := store.Create("user-1", domain.GenerationRequest{Prompt: "a cat", Quantity: 1})
	if job.ID == "" {
		t.Fatal("expected a job id")
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("new job status: got %s want queued", job.Status)
	}

	got, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.ID != job.ID || got.UserID != "user-1" {
		t.Fatalf("Get mismatch: %+v", got)
	}

	if _, err := store.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSnapshotsDoNotAlias(t *testing.T) {
	store := NewStore()
	job := store.Create("user-1", domain.GenerationRequest{Prompt: "a cat", Quantity: 1})

	snap, _ := store.Get(job.ID)
	snap.Status = domain.JobStatusFailed
	snap.Progress = 99

	fresh, _ := store.Get(job.ID)
	if fresh.Status != domain.JobStatusQueued || fresh.Progress != 0 {
		t.Fatalf("mutating a snapshot leaked into the store: %+v", fresh)
	}
}

func TestStoreListByUserMostRecentFirst(t *testing.T) {
	store := NewStore()
	first := store.Create("user-1", domain.GenerationRequest{Prompt: "one", Quantity: 1})
	time.Sleep(2 * time.Millisecond)
	second := store.Create("user-1", domain.GenerationRequest{Prompt: "two", Quantity: 1})
	store.Create("user-2", domain.GenerationRequest{Prompt: "other", Quantity: 1})

	jobs := store.ListByUser("user-1")
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Fatalf("unexpected ordering: %s then %s", jobs[0].Request.Prompt, jobs[1].Request.Prompt)
	}
}

func TestStoreUpdateRejectsTerminalMutation(t *testing.T) {
	store := NewStore()
	job := store.Create("user-1", domain.GenerationRequest{Prompt: "a cat", Quantity: 1})

	now := time.Now().UTC()
	if _, err := store.Update(job.ID, func(j *domain.Job) error {
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &now
		j.Result = &domain.GenerationResult{ImageURLs: []string{"u"}, GeneratedCount: 1}
		return nil
	}); err != nil {
		t.Fatalf("terminal transition failed: %v", err)
	}

	_, err := store.Update(job.ID, func(j *domain.Job) error {
		j.Status = domain.JobStatusFailed
		return nil
	})
	if !errors.Is(err, domain.ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished, got %v", err)
	}

	got, _ := store.Get(job.ID)
	if got.Status != domain.JobStatusCompleted || got.Result == nil {
		t.Fatalf("terminal job mutated: %+v", got)
	}
}

func TestStoreUpdateMutatorErrorAborts(t *testing.T) {
	store := NewStore()
	job := store.Create("user-1", domain.GenerationRequest{Prompt: "a cat", Quantity: 1})

	boom := errors.New("boom")
	if _, err := store.Update(job.ID, func(j *domain.Job) error {
		j.Progress = 50
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}

	got, _ := store.Get(job.ID)
	if got.Progress != 0 {
		t.Fatalf("aborted mutation leaked: progress %d", got.Progress)
	}
}

func TestStoreSweepSkipsNonTerminal(t *testing.T) {
	store := NewStore()
	running := store.Create("user-1", domain.GenerationRequest{Prompt: "slow", Quantity: 1})
	if _, err := store.Update(running.ID, func(j *domain.Job) error {
		now := time.Now().UTC()
		j.Status = domain.JobStatusRunning
		j.StartedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("transition to running failed: %v", err)
	}

	done := store.Create("user-1", domain.GenerationRequest{Prompt: "done", Quantity: 1})
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := store.Update(done.ID, func(j *domain.Job) error {
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &past
		j.Result = &domain.GenerationResult{ImageURLs: []string{"u"}, GeneratedCount: 1}
		return nil
	}); err != nil {
		t.Fatalf("terminal transition failed: %v", err)
	}

	if removed := store.Sweep(0); removed != 1 {
		t.Fatalf("Sweep removed %d jobs, want 1", removed)
	}
	if _, err := store.Get(done.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("completed job should have been evicted")
	}
	if _, err := store.Get(running.ID); err != nil {
		t.Fatalf("running job must survive sweeps: %v", err)
	}

	jobs := store.ListByUser("user-1")
	if len(jobs) != 1 || jobs[0].ID != running.ID {
		t.Fatalf("unexpected jobs after sweep: %d", len(jobs))
	}
}

func TestStoreStats(t *testing.T) {
	store := NewStore()
	store.Create("user-1", domain.GenerationRequest{Prompt: "a", Quantity: 1})
	job := store.Create("user-1", domain.GenerationRequest{Prompt: "b", Quantity: 1})
	if _, err := store.Update(job.ID, func(j *domain.Job) error {
		now := time.Now().UTC()
		j.Status = domain.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("cancel transition failed: %v", err)
	}

	stats := store.Stats()
	if stats.Total != 2 || stats.Queued != 1 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
