package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
)

func newTestDispatcher(t *testing.T, repo *memNotificationRepo, sender *fakeSender, clock *fakeClock) (*Dispatcher, *[]time.Duration) {
	t.Helper()

	d, err := NewDispatcher(newTestQueue(repo, clock), sender, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	var slept []time.Duration
	d.now = clock.Now
	d.sleep = func(_ context.Context, delay time.Duration) error {
		slept = append(slept, delay)
		return nil
	}
	ids := 0
	d.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	return d, &slept
}

func TestDispatcherRunBatchSendsInFIFOOrder(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(
		pendingRecord("second", 2, baseTime.Add(-2*time.Minute)),
		pendingRecord("first", 1, baseTime.Add(-3*time.Minute)),
		pendingRecord("third", 3, baseTime.Add(-1*time.Minute)),
	)
	sender := &fakeSender{}
	d, slept := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})

	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	want := &domain.BatchResult{TotalProcessed: 3, SuccessCount: 3, Errors: map[string]string{}}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("RunBatch() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"+7900first", "+7900second", "+7900third"}, sender.sent); diff != "" {
		t.Fatalf("send order mismatch (-want +got):\n%s", diff)
	}
	for _, attempts := range sender.maxAttempts {
		if attempts != 1 {
			t.Fatalf("maxAttempts = %d, want 1", attempts)
		}
	}
	if diff := cmp.Diff([]time.Duration{defaultPacing, defaultPacing}, *slept); diff != "" {
		t.Fatalf("pacing mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"first", "second", "third"} {
		rec := repo.get(id)
		if rec.Status != domain.StatusSent || rec.SentAt == nil || rec.RetryCount != 1 {
			t.Fatalf("record %s = %+v, want sent after one attempt", id, rec)
		}
	}
}

func TestDispatcherRunBatchUnavailableTouchesNothing(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("rec", 1, baseTime.Add(-time.Minute)))
	before := repo.get("rec")

	sender := &fakeSender{availableFn: func(context.Context) bool { return false }}
	d, _ := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})

	result, err := d.RunBatch(context.Background(), 10)
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("RunBatch() error = %v, want ErrServiceUnavailable", err)
	}
	if result != nil {
		t.Fatalf("RunBatch() result = %+v, want nil", result)
	}
	if diff := cmp.Diff(before, repo.get("rec")); diff != "" {
		t.Fatalf("record changed (-before +after):\n%s", diff)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sends = %d, want 0", len(sender.sent))
	}
}

func TestDispatcherRunBatchEmptyQueue(t *testing.T) {
	t.Parallel()

	runs := &fakeRunRepo{}
	d, _ := newTestDispatcher(t, newMemNotificationRepo(), &fakeSender{}, &fakeClock{now: baseTime})
	d.SetAuditing(nil, runs)

	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.HasProcessed() {
		t.Fatalf("RunBatch() = %+v, want zero result", result)
	}
	if len(runs.runs) != 0 {
		t.Fatal("empty batches must not be recorded as runs")
	}
}

func TestDispatcherRunBatchDeliveryErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(
		pendingRecord("ok", 1, baseTime.Add(-2*time.Minute)),
		pendingRecord("flaky", 2, baseTime.Add(-time.Minute)),
	)
	sender := &fakeSender{
		sendFn: func(_ context.Context, phone string, _ string, _ int) error {
			if phone == "+7900flaky" {
				return domain.NewDeliveryError("provider timeout", nil)
			}
			return nil
		},
	}
	attempts := &fakeAttemptRepo{}
	runs := &fakeRunRepo{}
	d, _ := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})
	d.SetAuditing(attempts, runs)

	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	want := &domain.BatchResult{
		TotalProcessed: 2,
		SuccessCount:   1,
		FailedCount:    1,
		Errors:         map[string]string{"flaky": "provider timeout"},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("RunBatch() mismatch (-want +got):\n%s", diff)
	}

	flaky := repo.get("flaky")
	if flaky.Status != domain.StatusPending || flaky.RetryCount != 1 {
		t.Fatalf("flaky = %+v, want pending with one attempt", flaky)
	}
	if flaky.NextRetryAt == nil || !flaky.NextRetryAt.Equal(baseTime.Add(60*time.Second)) {
		t.Fatalf("nextRetryAt = %v, want now+60s", flaky.NextRetryAt)
	}
	if flaky.ErrorMessage == nil || *flaky.ErrorMessage != "provider timeout" {
		t.Fatalf("errorMessage = %v, want provider timeout", flaky.ErrorMessage)
	}

	if len(attempts.attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts.attempts))
	}
	failedAttempt := attempts.attempts[1]
	if failedAttempt.RecordID != "flaky" || failedAttempt.Succeeded || failedAttempt.AttemptNumber != 1 || failedAttempt.Provider != "fake" {
		t.Fatalf("attempt = %+v, want failed first attempt for flaky", failedAttempt)
	}

	if len(runs.runs) != 1 || runs.runs[0].Status != domain.RunStatusPartialFailure {
		t.Fatalf("runs = %+v, want one PARTIAL_FAILURE run", runs.runs)
	}
}

func TestDispatcherRunBatchUnexpectedErrorFailsPermanently(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("rec", 1, baseTime.Add(-time.Minute)))
	sender := &fakeSender{
		sendFn: func(context.Context, string, string, int) error { return errBoom },
	}
	runs := &fakeRunRepo{}
	d, _ := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})
	d.SetAuditing(nil, runs)

	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.FailedCount != 1 || result.Errors["rec"] != "boom" {
		t.Fatalf("RunBatch() = %+v, want one boom failure", result)
	}

	rec := repo.get("rec")
	if rec.Status != domain.StatusFailed || rec.NextRetryAt != nil || rec.RetryCount != 1 {
		t.Fatalf("record = %+v, want permanently failed", rec)
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != domain.RunStatusFailed {
		t.Fatalf("runs = %+v, want one FAILED run", runs.runs)
	}
}

func TestDispatcherRunBatchStorageErrorIsRecordedPerRecord(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("rec", 1, baseTime.Add(-time.Minute)))
	repo.claimErr = errBoom
	d, _ := newTestDispatcher(t, repo, &fakeSender{}, &fakeClock{now: baseTime})

	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v, want batch to continue", err)
	}
	if result.FailedCount != 1 || result.Errors["rec"] != "claim failed: boom" {
		t.Fatalf("RunBatch() = %+v, want claim failure recorded", result)
	}
}

func TestDispatcherConcurrentBatchesSendEachRecordOnce(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		repo.put(pendingRecord(id, int64(i+1), baseTime.Add(time.Duration(i)*time.Second)))
	}
	sender := &fakeSender{}
	clock := &fakeClock{now: baseTime.Add(time.Minute)}

	var wg sync.WaitGroup
	results := make([]*domain.BatchResult, 2)
	for i := range results {
		d, err := NewDispatcher(newTestQueue(repo, clock), sender, nil)
		if err != nil {
			t.Fatalf("NewDispatcher() error = %v", err)
		}
		d.now = clock.Now
		d.pacing = 0

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := d.RunBatch(context.Background(), 10)
			if err != nil {
				t.Errorf("RunBatch() error = %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	if got := len(sender.sent); got != 6 {
		t.Fatalf("sends = %d, want 6 (each record exactly once)", got)
	}
	total := 0
	for _, r := range results {
		if r != nil {
			total += r.SuccessCount
		}
	}
	if total != 6 {
		t.Fatalf("successes = %d, want 6", total)
	}
}

func TestDispatcherRunBatchRespectsLock(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("rec", 1, baseTime.Add(-time.Minute)))
	locker := &fakeLocker{held: true}
	d, _ := newTestDispatcher(t, repo, &fakeSender{}, &fakeClock{now: baseTime})
	d.SetLocker(locker)

	if _, err := d.RunBatch(context.Background(), 10); !errors.Is(err, ErrDispatchInProgress) {
		t.Fatalf("RunBatch() error = %v, want ErrDispatchInProgress", err)
	}
	if !errors.Is(ErrDispatchInProgress, domain.ErrConflict) {
		t.Fatal("ErrDispatchInProgress should wrap ErrConflict")
	}

	locker.held = false
	result, err := d.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", result.SuccessCount)
	}
	if locker.released != 1 || locker.held {
		t.Fatalf("lock released=%d held=%v, want released once", locker.released, locker.held)
	}
}

func TestDispatcherRunBatchStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(
		pendingRecord("a", 1, baseTime.Add(-2*time.Minute)),
		pendingRecord("b", 2, baseTime.Add(-time.Minute)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{
		sendFn: func(context.Context, string, string, int) error {
			cancel()
			return nil
		},
	}
	attempts := &fakeAttemptRepo{}
	runs := &fakeRunRepo{}
	d, _ := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})
	d.SetAuditing(attempts, runs)

	result, err := d.RunBatch(ctx, 10)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	want := &domain.BatchResult{TotalProcessed: 1, SuccessCount: 1, Errors: map[string]string{}}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("RunBatch() mismatch (-want +got):\n%s", diff)
	}

	delivered := repo.get("a")
	if delivered.Status != domain.StatusSent || delivered.SentAt == nil {
		t.Fatalf("a = %+v, want sent after cancel during delivery", delivered)
	}
	if len(attempts.attempts) != 1 || !attempts.attempts[0].Succeeded {
		t.Fatalf("attempts = %+v, want one successful attempt", attempts.attempts)
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != domain.RunStatusCompleted {
		t.Fatalf("runs = %+v, want one COMPLETED run", runs.runs)
	}
	if repo.get("b").Status != domain.StatusPending {
		t.Fatal("unprocessed record must stay pending")
	}
}

func TestDispatcherCanceledBatchLeavesNothingForRecovery(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("a", 1, baseTime.Add(-time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{
		sendFn: func(context.Context, string, string, int) error {
			cancel()
			return nil
		},
	}
	clock := &fakeClock{now: baseTime}
	d, _ := newTestDispatcher(t, repo, sender, clock)

	if _, err := d.RunBatch(ctx, 10); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	clock.Advance(DefaultProcessingLease + time.Minute)
	recovered, err := d.queue.RecoverStale(context.Background(), DefaultProcessingLease, 10)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}
	if got := repo.get("a").Status; got != domain.StatusSent {
		t.Fatalf("status = %s, want %s", got, domain.StatusSent)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sent))
	}
}

func TestDispatcherHistoryLookups(t *testing.T) {
	t.Parallel()

	repo := newMemNotificationRepo()
	repo.put(pendingRecord("flaky", 1, baseTime.Add(-time.Minute)))
	sender := &fakeSender{
		sendFn: func(context.Context, string, string, int) error {
			return domain.NewDeliveryError("provider timeout", nil)
		},
	}
	attempts := &fakeAttemptRepo{}
	runs := &fakeRunRepo{}
	d, _ := newTestDispatcher(t, repo, sender, &fakeClock{now: baseTime})

	if got, err := d.Attempts(context.Background(), "flaky"); err != nil || got != nil {
		t.Fatalf("Attempts() without auditing = %v, %v, want nil, nil", got, err)
	}
	if _, err := d.Run(context.Background(), "any"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Run() without auditing error = %v, want ErrNotFound", err)
	}

	if _, err := d.Attempts(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Attempts() for unknown record error = %v, want ErrNotFound", err)
	}

	d.SetAuditing(attempts, runs)
	if _, err := d.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	history, err := d.Attempts(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(history) != 1 || history[0].Succeeded {
		t.Fatalf("Attempts() = %+v, want one failed attempt", history)
	}

	if len(runs.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs.runs))
	}
	run, err := d.Run(context.Background(), runs.runs[0].ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want %s", run.Status, domain.RunStatusFailed)
	}
}
