package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/testutil"
)

func setupOutboxRepo(t *testing.T) (*OutboxRepository, *testutil.Clock) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock(testutil.UTCDay(10, 0))
	repo := NewOutboxRepository(db)
	repo.SetClock(clock.Now)
	return repo, clock
}

func enqueueTestEvent(t *testing.T, repo *OutboxRepository, entityID string, priority int) *outbox.Event {
	t.Helper()
	event, err := repo.Enqueue(context.Background(), nil, outbox.EnqueueParams{
		EventType:   "metric_entry",
		EntityID:    entityID,
		OwnerID:     testutil.TestOwner,
		IsNewRecord: true,
		Priority:    priority,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("failed to enqueue event: %v", err)
	}
	return event
}

func TestOutboxRepository_Enqueue(t *testing.T) {
	repo, _ := setupOutboxRepo(t)
	ctx := context.Background()

	event := enqueueTestEvent(t, repo, "entry-1", 0)

	got, err := repo.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("failed to get event: %v", err)
	}

	if got.Status != outbox.StatusPending {
		t.Errorf("expected status pending, got %s", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("expected 0 attempts, got %d", got.AttemptCount)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", got.MaxAttempts)
	}
	if !got.IsNewRecord() {
		t.Error("expected is_new_record metadata to be true")
	}
	if !got.CreatedAt.Equal(testutil.UTCDay(10, 0)) {
		t.Errorf("unexpected created_at %v", got.CreatedAt)
	}
}

func TestOutboxRepository_Enqueue_Validation(t *testing.T) {
	repo, _ := setupOutboxRepo(t)

	tests := []struct {
		name   string
		params outbox.EnqueueParams
	}{
		{"missing type", outbox.EnqueueParams{EntityID: "e", OwnerID: "o"}},
		{"missing entity", outbox.EnqueueParams{EventType: "t", OwnerID: "o"}},
		{"missing owner", outbox.EnqueueParams{EventType: "t", EntityID: "e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Enqueue(context.Background(), nil, tt.params)
			if !domainErrors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestOutboxRepository_Enqueue_DefaultMaxAttempts(t *testing.T) {
	repo, _ := setupOutboxRepo(t)

	event, err := repo.Enqueue(context.Background(), nil, outbox.EnqueueParams{
		EventType: "metric_entry",
		EntityID:  "entry-1",
		OwnerID:   testutil.TestOwner,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if event.MaxAttempts != outbox.DefaultMaxAttempts {
		t.Errorf("expected default max attempts, got %d", event.MaxAttempts)
	}
	if event.IsNewRecord() {
		t.Error("expected is_new_record false")
	}
}

func TestOutboxRepository_FetchReady_Ordering(t *testing.T) {
	repo, clock := setupOutboxRepo(t)
	ctx := context.Background()

	low := enqueueTestEvent(t, repo, "entry-low", 0)
	clock.Advance(time.Second)
	high := enqueueTestEvent(t, repo, "entry-high", 10)
	clock.Advance(time.Second)
	lowLater := enqueueTestEvent(t, repo, "entry-low-2", 0)

	events, err := repo.FetchReady(ctx, 10, testutil.TestOwner)
	if err != nil {
		t.Fatalf("failed to fetch ready: %v", err)
	}

	want := []string{high.ID, low.ID, lowLater.ID}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, events[i].ID)
		}
	}

	limited, err := repo.FetchReady(ctx, 1, testutil.TestOwner)
	if err != nil {
		t.Fatalf("failed to fetch ready: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != high.ID {
		t.Errorf("expected limit to return highest priority event")
	}

	other, err := repo.FetchReady(ctx, 10, "someone-else")
	if err != nil {
		t.Fatalf("failed to fetch ready: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no events for other owner, got %d", len(other))
	}
}

func TestOutboxRepository_MarkProcessing_SingleWinner(t *testing.T) {
	repo, _ := setupOutboxRepo(t)
	ctx := context.Background()
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, claimed := 0, 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.MarkProcessing(ctx, event.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domainErrors.Is(err, domainErrors.ErrEventAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if claimed != 7 {
		t.Errorf("expected 7 already-claimed errors, got %d", claimed)
	}

	got, _ := repo.Get(ctx, event.ID)
	if got.Status != outbox.StatusProcessing || got.AttemptCount != 1 {
		t.Errorf("expected processing with 1 attempt, got %s/%d", got.Status, got.AttemptCount)
	}
	if got.LastAttemptAt == nil {
		t.Error("expected last_attempt_at to be set")
	}
}

func TestOutboxRepository_MarkProcessing_NotFound(t *testing.T) {
	repo, _ := setupOutboxRepo(t)

	_, err := repo.MarkProcessing(context.Background(), "missing")
	if !domainErrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestOutboxRepository_MarkFailed_Backoff(t *testing.T) {
	repo, clock := setupOutboxRepo(t)
	ctx := context.Background()
	backoff := outbox.NewBackoff([]time.Duration{time.Second, 10 * time.Second})
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	if _, err := repo.MarkProcessing(ctx, event.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	failed, err := repo.MarkFailed(ctx, event.ID, "boom", backoff)
	if err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}
	if failed.Status != outbox.StatusPending {
		t.Fatalf("expected pending after first failure, got %s", failed.Status)
	}
	if failed.NotBefore == nil || !failed.NotBefore.Equal(clock.Now().Add(time.Second)) {
		t.Errorf("unexpected not_before %v", failed.NotBefore)
	}
	if failed.ErrorMessage != "boom" {
		t.Errorf("expected error message to be recorded, got %q", failed.ErrorMessage)
	}

	ready, _ := repo.FetchReady(ctx, 10, "")
	if len(ready) != 0 {
		t.Errorf("expected event to be held back, got %d ready", len(ready))
	}

	clock.Advance(time.Second)
	ready, _ = repo.FetchReady(ctx, 10, "")
	if len(ready) != 1 {
		t.Errorf("expected event to be ready after backoff, got %d", len(ready))
	}
}

func TestOutboxRepository_MarkFailed_ExhaustsAttempts(t *testing.T) {
	repo, clock := setupOutboxRepo(t)
	ctx := context.Background()
	backoff := outbox.NewBackoff([]time.Duration{time.Second})
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	var last *outbox.Event
	for i := 0; i < 3; i++ {
		if _, err := repo.MarkProcessing(ctx, event.ID); err != nil {
			t.Fatalf("attempt %d: failed to claim: %v", i+1, err)
		}
		var err error
		last, err = repo.MarkFailed(ctx, event.ID, "boom", backoff)
		if err != nil {
			t.Fatalf("attempt %d: failed to mark failed: %v", i+1, err)
		}
		clock.Advance(time.Minute)
	}

	if last.Status != outbox.StatusFailed || !last.IsTerminal() {
		t.Fatalf("expected terminal failed, got %s with %d attempts", last.Status, last.AttemptCount)
	}

	ready, _ := repo.FetchReady(ctx, 10, "")
	if len(ready) != 0 {
		t.Errorf("expected no ready events, got %d", len(ready))
	}

	if _, err := repo.MarkProcessing(ctx, event.ID); !domainErrors.Is(err, domainErrors.ErrEventAlreadyClaimed) {
		t.Errorf("expected exhausted event to be unclaimable, got %v", err)
	}
}

func TestOutboxRepository_CompleteAndPurge(t *testing.T) {
	repo, clock := setupOutboxRepo(t)
	ctx := context.Background()
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	if _, err := repo.MarkProcessing(ctx, event.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := repo.MarkCompleted(ctx, event.ID, "remote-1"); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	purged, err := repo.PurgeCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 0 {
		t.Errorf("expected recent event to survive purge, purged %d", purged)
	}

	clock.Advance(2 * time.Hour)
	purged, err = repo.PurgeCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged event, got %d", purged)
	}

	if _, err := repo.Get(ctx, event.ID); !domainErrors.IsNotFound(err) {
		t.Errorf("expected purged event to be gone, got %v", err)
	}
}

func TestOutboxRepository_StaleRecovery(t *testing.T) {
	repo, clock := setupOutboxRepo(t)
	ctx := context.Background()
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	if _, err := repo.MarkProcessing(ctx, event.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	stale, err := repo.FetchStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("failed to fetch stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale events yet, got %d", len(stale))
	}

	clock.Advance(2 * time.Minute)
	stale, err = repo.FetchStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("failed to fetch stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale event, got %d", len(stale))
	}

	if err := repo.ResetToPending(ctx, event.ID); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	got, _ := repo.Get(ctx, event.ID)
	if got.Status != outbox.StatusPending || got.AttemptCount != 1 {
		t.Errorf("expected pending with attempt count kept, got %s/%d", got.Status, got.AttemptCount)
	}

	if err := repo.ResetToPending(ctx, event.ID); !domainErrors.IsNotFound(err) {
		t.Errorf("expected reset of non-processing event to fail, got %v", err)
	}
}

func TestOutboxRepository_FailPermanently(t *testing.T) {
	repo, _ := setupOutboxRepo(t)
	ctx := context.Background()
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	if err := repo.FailPermanently(ctx, event.ID, "stuck"); err != nil {
		t.Fatalf("failed to fail permanently: %v", err)
	}

	got, _ := repo.Get(ctx, event.ID)
	if !got.IsTerminal() {
		t.Errorf("expected terminal event, got %s/%d", got.Status, got.AttemptCount)
	}
}

func TestOutboxRepository_CoalescePending(t *testing.T) {
	repo, _ := setupOutboxRepo(t)
	ctx := context.Background()
	event := enqueueTestEvent(t, repo, "entry-1", 0)

	found, err := repo.FindPendingForEntity(ctx, nil, "entry-1")
	if err != nil {
		t.Fatalf("failed to find pending: %v", err)
	}
	if found == nil || found.ID != event.ID {
		t.Fatalf("expected to find pending event")
	}

	md := found.Metadata
	md[outbox.MetaReason] = outbox.ReasonLiveBucket
	if err := repo.UpdateMetadata(ctx, nil, event.ID, md); err != nil {
		t.Fatalf("failed to update metadata: %v", err)
	}

	got, _ := repo.Get(ctx, event.ID)
	if got.Metadata[outbox.MetaReason] != outbox.ReasonLiveBucket {
		t.Errorf("expected reason to be updated, got %q", got.Metadata[outbox.MetaReason])
	}

	if _, err := repo.MarkProcessing(ctx, event.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	found, err = repo.FindPendingForEntity(ctx, nil, "entry-1")
	if err != nil {
		t.Fatalf("failed to find pending: %v", err)
	}
	if found != nil {
		t.Error("expected claimed event to be invisible to coalescing")
	}
	if err := repo.UpdateMetadata(ctx, nil, event.ID, md); !domainErrors.Is(err, domainErrors.ErrEventAlreadyClaimed) {
		t.Errorf("expected already claimed, got %v", err)
	}
}

func TestOutboxRepository_DeleteUndeliveredAndCounts(t *testing.T) {
	repo, _ := setupOutboxRepo(t)
	ctx := context.Background()

	done := enqueueTestEvent(t, repo, "entry-1", 0)
	enqueueTestEvent(t, repo, "entry-2", 0)
	enqueueTestEvent(t, repo, "entry-3", 0)

	if _, err := repo.MarkProcessing(ctx, done.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := repo.MarkCompleted(ctx, done.ID, "r-1"); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	counts, err := repo.CountByStatus(ctx, testutil.TestOwner)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts[outbox.StatusPending] != 2 || counts[outbox.StatusCompleted] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if counts.Backlog() != 2 {
		t.Errorf("expected backlog 2, got %d", counts.Backlog())
	}

	deleted, err := repo.DeleteUndelivered(ctx, nil, testutil.TestOwner, "")
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	counts, _ = repo.CountByStatus(ctx, "")
	if counts[outbox.StatusCompleted] != 1 || counts.Backlog() != 0 {
		t.Errorf("unexpected counts after delete: %v", counts)
	}
}
