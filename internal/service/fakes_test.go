package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
)

// memNotificationRepo is an in-memory NotificationRepository with the same
// guard semantics as the gorm implementation.
type memNotificationRepo struct {
	mu      sync.Mutex
	records map[string]domain.NotificationRecord

	createFn func(n *domain.NotificationRecord) error
	claimErr error
	saveErr  error
}

func newMemNotificationRepo() *memNotificationRepo {
	return &memNotificationRepo{
		records: make(map[string]domain.NotificationRecord),
	}
}

func (r *memNotificationRepo) put(records ...domain.NotificationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
}

func (r *memNotificationRepo) get(id string) domain.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

func (r *memNotificationRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memNotificationRepo) snapshot() map[string]domain.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make(map[string]domain.NotificationRecord, len(r.records))
	for k, v := range r.records {
		records[k] = v
	}
	return records
}

func (r *memNotificationRepo) restore(records map[string]domain.NotificationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
}

func (r *memNotificationRepo) Create(_ context.Context, n *domain.NotificationRecord) error {
	if r.createFn != nil {
		if err := r.createFn(n); err != nil {
			return err
		}
	}
	r.mu.Lock()
	for _, existing := range r.records {
		if existing.SubscriptionID == n.SubscriptionID && existing.BookID == n.BookID {
			r.mu.Unlock()
			return domain.ErrDuplicate
		}
	}
	r.mu.Unlock()
	r.put(*n)
	return nil
}

func (r *memNotificationRepo) Exists(_ context.Context, subscriptionID int64, bookID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.SubscriptionID == subscriptionID && existing.BookID == bookID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memNotificationRepo) GetByID(_ context.Context, id string) (*domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (r *memNotificationRepo) SelectReady(_ context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make([]domain.NotificationRecord, 0)
	for _, rec := range r.records {
		if rec.IsReady(now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (r *memNotificationRepo) Claim(ctx context.Context, id string, now time.Time) (*domain.NotificationRecord, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || !rec.IsReady(now) {
		return nil, nil
	}
	if err := rec.MarkProcessing(now); err != nil {
		return nil, err
	}
	r.records[id] = rec
	return &rec, nil
}

// SaveTransition fails on a done context the way a gorm statement does.
func (r *memNotificationRepo) SaveTransition(ctx context.Context, n *domain.NotificationRecord, from domain.Status) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[n.ID]
	if !ok || stored.Status != from {
		return domain.ErrConflict
	}
	r.records[n.ID] = *n
	return nil
}

func (r *memNotificationRepo) ListStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]domain.NotificationRecord, 0)
	for _, rec := range r.records {
		if rec.Status == domain.StatusProcessing && rec.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *memNotificationRepo) CountByStatus(context.Context) ([]repository.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.Status]int64)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	result := make([]repository.StatusCount, 0, len(counts))
	for _, status := range domain.AllStatuses {
		if c, ok := counts[status]; ok {
			result = append(result, repository.StatusCount{Status: status, Count: c})
		}
	}
	return result, nil
}

func (r *memNotificationRepo) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, rec := range r.records {
		if rec.Status == domain.StatusSent && rec.SentAt != nil && rec.SentAt.Before(cutoff) {
			delete(r.records, id)
			deleted++
		}
	}
	return deleted, nil
}

type fakeSubscriptionRepo struct {
	subscribers    []domain.Subscriber
	err            error
	includeDeleted []bool
}

func (f *fakeSubscriptionRepo) FindByAuthorIDs(_ context.Context, authorIDs []int64, includeDeleted bool) ([]domain.Subscriber, error) {
	f.includeDeleted = append(f.includeDeleted, includeDeleted)
	if f.err != nil {
		return nil, f.err
	}
	wanted := make(map[int64]bool, len(authorIDs))
	for _, id := range authorIDs {
		wanted[id] = true
	}
	var result []domain.Subscriber
	for _, sub := range f.subscribers {
		if wanted[sub.AuthorID] {
			result = append(result, sub)
		}
	}
	return result, nil
}

// memStore rolls the in-memory repository back when a transaction fails.
type memStore struct {
	notifications *memNotificationRepo
	subscriptions *fakeSubscriptionRepo
	transactions  int
}

func newMemStore(subscribers ...domain.Subscriber) *memStore {
	return &memStore{
		notifications: newMemNotificationRepo(),
		subscriptions: &fakeSubscriptionRepo{subscribers: subscribers},
	}
}

func (s *memStore) Notifications() repository.NotificationRepository { return s.notifications }

func (s *memStore) Subscriptions() repository.SubscriptionRepository { return s.subscriptions }

func (s *memStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	s.transactions++
	records := s.notifications.snapshot()
	if err := fn(s); err != nil {
		s.notifications.restore(records)
		return err
	}
	return nil
}

type fakeSender struct {
	mu          sync.Mutex
	sendFn      func(ctx context.Context, phone string, message string, maxAttempts int) error
	availableFn func(ctx context.Context) bool
	sent        []string
	maxAttempts []int
}

func (f *fakeSender) Send(ctx context.Context, phone string, message string, maxAttempts int) error {
	f.mu.Lock()
	f.sent = append(f.sent, phone)
	f.maxAttempts = append(f.maxAttempts, maxAttempts)
	f.mu.Unlock()
	if f.sendFn == nil {
		return nil
	}
	return f.sendFn(ctx, phone, message, maxAttempts)
}

func (f *fakeSender) IsAvailable(ctx context.Context) bool {
	if f.availableFn == nil {
		return true
	}
	return f.availableFn(ctx)
}

func (f *fakeSender) ProviderName() string { return "fake" }

type fakeAttemptRepo struct {
	attempts []domain.DeliveryAttempt
	err      error
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) ListByRecordID(_ context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	var result []domain.DeliveryAttempt
	for _, a := range f.attempts {
		if a.RecordID == recordID {
			result = append(result, a)
		}
	}
	return result, nil
}

type fakeRunRepo struct {
	runs []domain.DispatchRun
}

func (f *fakeRunRepo) Create(_ context.Context, run *domain.DispatchRun) error {
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeRunRepo) GetByID(_ context.Context, id string) (*domain.DispatchRun, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRunRepo) ListRecent(_ context.Context, limit int) ([]domain.DispatchRun, error) {
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (f *fakeLocker) TryLock(context.Context, string) (func(context.Context) error, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func(context.Context) error {
		f.held = false
		f.released++
		return nil
	}, true, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestQueue(repo repository.NotificationRepository, clock *fakeClock) *NotificationQueue {
	q, err := NewNotificationQueue(repo, domain.DefaultRetryPolicy(), domain.DefaultMaxRetries, nil)
	if err != nil {
		panic(err)
	}
	q.now = clock.Now
	ids := 0
	q.newID = func() string {
		ids++
		return fmt.Sprintf("rec-%d", ids)
	}
	return q
}

func pendingRecord(id string, subscriptionID int64, createdAt time.Time) domain.NotificationRecord {
	return domain.NotificationRecord{
		ID:             id,
		SubscriptionID: subscriptionID,
		BookID:         1,
		Phone:          "+7900" + id,
		Message:        "New book",
		Status:         domain.StatusPending,
		MaxRetries:     domain.DefaultMaxRetries,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}
