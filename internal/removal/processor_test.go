package removal

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/shopify"
	"shopflow/internal/taskerr"
)

type stubStore struct {
	targets  []Target
	marked   map[int64]string
	emails   map[int64]string
	active   bool
	existing *Target

	activeSubs    map[string]Sub
	cancelledSubs map[string]Sub
	reactivated   []string
}

func newStubStore(targets ...Target) *stubStore {
	return &stubStore{
		targets:       targets,
		marked:        make(map[int64]string),
		emails:        make(map[int64]string),
		activeSubs:    make(map[string]Sub),
		cancelledSubs: make(map[string]Sub),
	}
}

func (s *stubStore) PendingTargets(ctx context.Context, shop, monthStamp string) ([]Target, error) {
	return s.targets, nil
}

func (s *stubStore) AddTarget(ctx context.Context, t Target) (int64, error) { return 99, nil }

func (s *stubStore) GetTarget(ctx context.Context, shop, contractID, monthStamp string) (*Target, error) {
	return s.existing, nil
}

func (s *stubStore) SetTargetEmail(ctx context.Context, id int64, email string) error {
	s.emails[id] = email
	return nil
}

func (s *stubStore) MarkTarget(ctx context.Context, id int64, status, reason string) error {
	s.marked[id] = status
	return nil
}

func (s *stubStore) HasActiveSub(ctx context.Context, shop, customerID string) (bool, error) {
	return s.active, nil
}

func (s *stubStore) LogAttempt(ctx context.Context, shop string, targetID int64, calendarKey, email, subscriberID, status, reason string) {
}

func (s *stubStore) StatusCounts(ctx context.Context, shop, monthStamp string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *stubStore) UpsertActiveSub(ctx context.Context, sub Sub) error {
	s.activeSubs[sub.ContractID] = sub
	return nil
}

func (s *stubStore) DeleteActiveSub(ctx context.Context, shop, contractID string) error {
	delete(s.activeSubs, contractID)
	return nil
}

func (s *stubStore) UpsertCancelledSub(ctx context.Context, sub Sub) error {
	s.cancelledSubs[sub.ContractID] = sub
	return nil
}

func (s *stubStore) DeleteCancelledSub(ctx context.Context, shop, contractID string) error {
	delete(s.cancelledSubs, contractID)
	return nil
}

func (s *stubStore) ReactivatePendingTargets(ctx context.Context, shop, contractID, monthStamp string) (int64, error) {
	s.reactivated = append(s.reactivated, contractID)
	if s.existing != nil && s.existing.RemovalStatus == StatusPending {
		s.existing.RemovalStatus = StatusSkipped
		return 1, nil
	}
	return 0, nil
}

type stubSnapshots struct {
	id      int64
	byEmail map[string]string
}

func (s *stubSnapshots) Ensure(ctx context.Context, shop, monthStamp, calendarKey string) (int64, error) {
	return s.id, nil
}

func (s *stubSnapshots) LookupByEmail(ctx context.Context, snapshotID int64, email string) (string, error) {
	return s.byEmail[email], nil
}

type stubCustomers struct {
	emails map[string]string
	err    error
}

func (s *stubCustomers) GetCustomerEmail(ctx context.Context, shop, customerID string) (*shopify.Customer, error) {
	if s.err != nil {
		return nil, s.err
	}
	email, ok := s.emails[customerID]
	if !ok {
		return nil, nil
	}
	return &shopify.Customer{Email: email}, nil
}

type stubDeleter struct {
	deleted []string
	errFor  map[string]error
}

func (s *stubDeleter) DeleteSubscriber(ctx context.Context, calendarID, subscriberID string) error {
	if err := s.errFor[subscriberID]; err != nil {
		return err
	}
	s.deleted = append(s.deleted, subscriberID)
	return nil
}

var testCalendars = Calendars{
	NorthernID:       "cal-north",
	SouthernID:       "cal-south",
	NorthernVariants: []string{"111"},
	SouthernVariants: []string{"222"},
}

func newTestProcessor(store targetStore, snaps snapshotSource, customers customerAPI, deleter subscriberDeleter) *Processor {
	return NewProcessor(store, nil, snaps, customers, deleter, testCalendars, log.NewNop())
}

func TestProcessBatchOutcomes(t *testing.T) {
	store := newStubStore(
		Target{ID: 1, Shop: "s.myshopify.com", LineVariantID: "111", Email: "a@example.com"},
		Target{ID: 2, Shop: "s.myshopify.com", LineVariantID: "999", Email: "b@example.com"},
		Target{ID: 3, Shop: "s.myshopify.com", LineVariantID: "111", Email: "ghost@example.com"},
	)
	snaps := &stubSnapshots{id: 10, byEmail: map[string]string{"a@example.com": "sub-1"}}
	deleter := &stubDeleter{}

	proc := newTestProcessor(store, snaps, &stubCustomers{}, deleter)

	stats, err := proc.ProcessBatch(context.Background(), "s.myshopify.com", "2026-08")
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Processed != 3 || stats.Done != 1 || stats.Skipped != 1 || stats.NotFound != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if store.marked[1] != StatusDone {
		t.Errorf("target 1 marked %q, want done", store.marked[1])
	}
	if store.marked[2] != StatusSkipped {
		t.Errorf("target 2 marked %q, want skipped (unmapped variant)", store.marked[2])
	}
	if store.marked[3] != StatusNotFound {
		t.Errorf("target 3 marked %q, want not_found", store.marked[3])
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "sub-1" {
		t.Errorf("deleted = %v", deleter.deleted)
	}
}

func TestProcessBatchRateLimitAborts(t *testing.T) {
	store := newStubStore(
		Target{ID: 1, Shop: "s.myshopify.com", LineVariantID: "111", Email: "a@example.com"},
		Target{ID: 2, Shop: "s.myshopify.com", LineVariantID: "111", Email: "b@example.com"},
		Target{ID: 3, Shop: "s.myshopify.com", LineVariantID: "111", Email: "c@example.com"},
	)
	snaps := &stubSnapshots{id: 10, byEmail: map[string]string{
		"a@example.com": "sub-1",
		"b@example.com": "sub-2",
		"c@example.com": "sub-3",
	}}
	deleter := &stubDeleter{errFor: map[string]error{
		"sub-2": taskerr.NewRateLimited(errors.New("429 from calendar api"), 30*time.Second),
	}}

	proc := newTestProcessor(store, snaps, &stubCustomers{}, deleter)

	stats, err := proc.ProcessBatch(context.Background(), "s.myshopify.com", "2026-08")
	if err == nil {
		t.Fatal("expected rate limit error to propagate")
	}
	if taskerr.KindOf(err) != taskerr.RateLimited {
		t.Errorf("error kind = %v, want RateLimited", taskerr.KindOf(err))
	}
	if hint, ok := taskerr.RetryAfter(err); !ok || hint != 30*time.Second {
		t.Errorf("retry hint = %v %v, want 30s", hint, ok)
	}
	if stats.Done != 1 {
		t.Errorf("done = %d, want 1 (only the first target)", stats.Done)
	}
	// the aborted and untouched targets stay pending for the retry
	if _, marked := store.marked[2]; marked {
		t.Error("target 2 should remain pending after rate limit")
	}
	if _, marked := store.marked[3]; marked {
		t.Error("target 3 should remain untouched after batch abort")
	}
}

func TestProcessBatchFailureContinues(t *testing.T) {
	store := newStubStore(
		Target{ID: 1, Shop: "s.myshopify.com", LineVariantID: "111", Email: "a@example.com"},
		Target{ID: 2, Shop: "s.myshopify.com", LineVariantID: "111", Email: "b@example.com"},
	)
	snaps := &stubSnapshots{id: 10, byEmail: map[string]string{
		"a@example.com": "sub-1",
		"b@example.com": "sub-2",
	}}
	deleter := &stubDeleter{errFor: map[string]error{
		"sub-1": taskerr.NewPermanent(errors.New("subscriber locked")),
	}}

	proc := newTestProcessor(store, snaps, &stubCustomers{}, deleter)

	stats, err := proc.ProcessBatch(context.Background(), "s.myshopify.com", "2026-08")
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Failed != 1 || stats.Done != 1 {
		t.Errorf("stats = %+v, want one failed and one done", stats)
	}
	if store.marked[1] != StatusFailed {
		t.Errorf("target 1 marked %q, want failed", store.marked[1])
	}
	if store.marked[2] != StatusDone {
		t.Errorf("target 2 marked %q, want done", store.marked[2])
	}
	if len(stats.Errors) != 1 || stats.Errors[0].TargetID != 1 {
		t.Errorf("errors = %+v", stats.Errors)
	}
}

func TestProcessBatchResolvesMissingEmail(t *testing.T) {
	store := newStubStore(
		Target{ID: 1, Shop: "s.myshopify.com", CustomerID: "c-1", LineVariantID: "222"},
	)
	snaps := &stubSnapshots{id: 11, byEmail: map[string]string{"found@example.com": "sub-9"}}
	customers := &stubCustomers{emails: map[string]string{"c-1": "found@example.com"}}
	deleter := &stubDeleter{}

	proc := newTestProcessor(store, snaps, customers, deleter)

	stats, err := proc.ProcessBatch(context.Background(), "s.myshopify.com", "2026-08")
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Done != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if store.emails[1] != "found@example.com" {
		t.Errorf("resolved email not persisted: %q", store.emails[1])
	}
}

func TestProcessSingleSkipsActiveCustomer(t *testing.T) {
	store := newStubStore()
	store.active = true

	proc := newTestProcessor(store, &stubSnapshots{}, &stubCustomers{}, &stubDeleter{})

	result, err := proc.ProcessSingle(context.Background(), "s.myshopify.com", "ct-1", "c-1", "111")
	if err != nil {
		t.Fatalf("ProcessSingle: %v", err)
	}
	if result.Processed || result.Reason != "customer_is_active" {
		t.Errorf("result = %+v", result)
	}
}

func TestProcessSingleAlreadyProcessed(t *testing.T) {
	store := newStubStore()
	store.existing = &Target{ID: 5, RemovalStatus: StatusDone}

	proc := newTestProcessor(store, &stubSnapshots{}, &stubCustomers{}, &stubDeleter{})

	result, err := proc.ProcessSingle(context.Background(), "s.myshopify.com", "ct-1", "c-1", "111")
	if err != nil {
		t.Fatalf("ProcessSingle: %v", err)
	}
	if result.Processed || result.Reason != "already_processed" || result.Status != StatusDone {
		t.Errorf("result = %+v", result)
	}
}

func TestContractStatusActiveReactivatesPendingTarget(t *testing.T) {
	store := newStubStore()
	store.cancelledSubs["ct-1"] = Sub{ContractID: "ct-1"}
	store.existing = &Target{ID: 7, RemovalStatus: StatusPending}

	proc := newTestProcessor(store, &stubSnapshots{}, &stubCustomers{}, &stubDeleter{})

	result, err := proc.ApplyContractStatus(context.Background(), ContractUpdate{
		Shop: "s.myshopify.com", ContractID: "ct-1", CustomerID: "c-1", Status: "ACTIVE",
	})
	if err != nil {
		t.Fatalf("ApplyContractStatus: %v", err)
	}
	if result.Action != "reactivated" || result.Reactivated != 1 {
		t.Errorf("result = %+v", result)
	}
	if _, ok := store.activeSubs["ct-1"]; !ok {
		t.Error("contract not recorded as active")
	}
	if _, ok := store.cancelledSubs["ct-1"]; ok {
		t.Error("contract still staged as cancelled")
	}
	if store.existing.RemovalStatus != StatusSkipped {
		t.Errorf("pending target status = %q, want skipped", store.existing.RemovalStatus)
	}
}

func TestContractStatusCancelledRemovesImmediately(t *testing.T) {
	store := newStubStore()
	store.activeSubs["ct-2"] = Sub{ContractID: "ct-2"}
	snaps := &stubSnapshots{id: 10, byEmail: map[string]string{"gone@example.com": "sub-7"}}
	customers := &stubCustomers{emails: map[string]string{"c-2": "gone@example.com"}}
	deleter := &stubDeleter{}

	proc := newTestProcessor(store, snaps, customers, deleter)

	result, err := proc.ApplyContractStatus(context.Background(), ContractUpdate{
		Shop: "s.myshopify.com", ContractID: "ct-2", CustomerID: "c-2",
		LineVariantID: "111", Status: "CANCELLED",
	})
	if err != nil {
		t.Fatalf("ApplyContractStatus: %v", err)
	}
	if result.Action != "cancelled" || result.Removal == nil || !result.Removal.Processed {
		t.Errorf("result = %+v", result)
	}
	if _, ok := store.activeSubs["ct-2"]; ok {
		t.Error("contract still recorded as active")
	}
	if _, ok := store.cancelledSubs["ct-2"]; !ok {
		t.Error("contract not staged as cancelled")
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "sub-7" {
		t.Errorf("deleted = %v", deleter.deleted)
	}
}

func TestContractStatusUnknownIgnored(t *testing.T) {
	store := newStubStore()

	proc := newTestProcessor(store, &stubSnapshots{}, &stubCustomers{}, &stubDeleter{})

	result, err := proc.ApplyContractStatus(context.Background(), ContractUpdate{
		Shop: "s.myshopify.com", ContractID: "ct-3", CustomerID: "c-3", Status: "EXPIRED",
	})
	if err != nil {
		t.Fatalf("ApplyContractStatus: %v", err)
	}
	if result.Action != "ignored" {
		t.Errorf("action = %q, want ignored", result.Action)
	}
	if len(store.activeSubs) != 0 || len(store.cancelledSubs) != 0 || len(store.reactivated) != 0 {
		t.Error("unknown status must not touch intake tables")
	}
}

func TestCalendarsKeyForVariant(t *testing.T) {
	if got := testCalendars.KeyForVariant(" 111 "); got != CalendarNorthern {
		t.Errorf("KeyForVariant(111) = %q", got)
	}
	if got := testCalendars.KeyForVariant("222"); got != CalendarSouthern {
		t.Errorf("KeyForVariant(222) = %q", got)
	}
	if got := testCalendars.KeyForVariant("333"); got != "" {
		t.Errorf("KeyForVariant(333) = %q, want empty", got)
	}
}
