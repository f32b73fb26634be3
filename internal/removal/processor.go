package removal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/queue"
	"shopflow/internal/shopify"
	"shopflow/internal/taskerr"
)

type customerAPI interface {
	GetCustomerEmail(ctx context.Context, shop, customerID string) (*shopify.Customer, error)
}

type subscriberDeleter interface {
	DeleteSubscriber(ctx context.Context, calendarID, subscriberID string) error
}

type snapshotSource interface {
	Ensure(ctx context.Context, shop, monthStamp, calendarKey string) (int64, error)
	LookupByEmail(ctx context.Context, snapshotID int64, email string) (string, error)
}

type targetStore interface {
	PendingTargets(ctx context.Context, shop, monthStamp string) ([]Target, error)
	AddTarget(ctx context.Context, t Target) (int64, error)
	GetTarget(ctx context.Context, shop, contractID, monthStamp string) (*Target, error)
	SetTargetEmail(ctx context.Context, id int64, email string) error
	MarkTarget(ctx context.Context, id int64, status, reason string) error
	HasActiveSub(ctx context.Context, shop, customerID string) (bool, error)
	LogAttempt(ctx context.Context, shop string, targetID int64, calendarKey, email, subscriberID, status, reason string)
	StatusCounts(ctx context.Context, shop, monthStamp string) (map[string]int, error)

	UpsertActiveSub(ctx context.Context, sub Sub) error
	DeleteActiveSub(ctx context.Context, shop, contractID string) error
	UpsertCancelledSub(ctx context.Context, sub Sub) error
	DeleteCancelledSub(ctx context.Context, shop, contractID string) error
	ReactivatePendingTargets(ctx context.Context, shop, contractID, monthStamp string) (int64, error)
}

// BatchStats summarizes one removal batch run.
type BatchStats struct {
	Processed int           `json:"processed"`
	Done      int           `json:"done"`
	NotFound  int           `json:"not_found"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Errors    []TargetError `json:"errors,omitempty"`
}

type TargetError struct {
	TargetID int64  `json:"target_id"`
	Error    string `json:"error"`
}

type Processor struct {
	store     targetStore
	jobs      *queue.Store
	snapshots snapshotSource
	customers customerAPI
	calendar  subscriberDeleter
	calendars Calendars
	logger    *log.Logger
}

func NewProcessor(store targetStore, jobs *queue.Store, snapshots snapshotSource, customers customerAPI, calendar subscriberDeleter, calendars Calendars, logger *log.Logger) *Processor {
	return &Processor{
		store:     store,
		jobs:      jobs,
		snapshots: snapshots,
		customers: customers,
		calendar:  calendar,
		calendars: calendars,
		logger:    logger,
	}
}

// CreateJob queues the month's removal batch. A completed or failed batch
// for the same month is reset and run again; a queued or processing one is
// left alone.
func (p *Processor) CreateJob(ctx context.Context, shop, monthStamp string) (queue.Job, error) {
	if _, err := p.jobs.Enqueue(ctx, queue.EnqueueParams{
		Shop:       shop,
		Kind:       KindMonthlyRemoval,
		NaturalKey: monthStamp,
	}); err != nil {
		return queue.Job{}, err
	}
	if _, err := p.jobs.ReactivateByKey(ctx, shop, KindMonthlyRemoval, monthStamp); err != nil {
		return queue.Job{}, err
	}
	return p.jobs.GetByKey(ctx, shop, KindMonthlyRemoval, monthStamp)
}

// JobStatus reports the batch job (if any) and the month's per-target
// status counts.
type JobStatus struct {
	Job    *queue.Job     `json:"job"`
	Counts map[string]int `json:"counts"`
}

func (p *Processor) Status(ctx context.Context, shop, monthStamp string) (JobStatus, error) {
	var status JobStatus

	job, err := p.jobs.GetByKey(ctx, shop, KindMonthlyRemoval, monthStamp)
	switch {
	case err == nil:
		status.Job = &job
	case errors.Is(err, sql.ErrNoRows):
		// no batch queued yet; counts alone are still useful
	default:
		return status, err
	}

	status.Counts, err = p.store.StatusCounts(ctx, shop, monthStamp)
	return status, err
}

// Handle is the queue handler for monthly removal batches. The job's
// natural key carries the month stamp. Rate limits abort the whole batch
// so the job retries later with every remaining target still pending.
func (p *Processor) Handle(ctx context.Context, job queue.Job) (json.RawMessage, error) {
	stats, err := p.ProcessBatch(ctx, job.Shop, job.NaturalKey)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(stats)
	return raw, nil
}

// ProcessBatch walks the month's pending targets in order. Individual
// target failures are recorded and skipped over; only rate limits and
// storage errors abort the run.
func (p *Processor) ProcessBatch(ctx context.Context, shop, monthStamp string) (BatchStats, error) {
	var stats BatchStats

	targets, err := p.store.PendingTargets(ctx, shop, monthStamp)
	if err != nil {
		return stats, err
	}
	p.logger.Infow("Starting removal batch",
		"shop", shop, "month", monthStamp, "targets", len(targets))

	for _, target := range targets {
		stats.Processed++

		status, err := p.processTarget(ctx, &target, monthStamp)
		if err != nil {
			if taskerr.KindOf(err) == taskerr.RateLimited {
				p.logger.Warnw("Rate limited, aborting removal batch",
					"shop", shop, "target", target.ID)
				return stats, err
			}
			if markErr := p.store.MarkTarget(ctx, target.ID, StatusFailed, err.Error()); markErr != nil {
				return stats, markErr
			}
			p.store.LogAttempt(ctx, shop, target.ID, "", target.Email, "", StatusFailed, err.Error())
			stats.Failed++
			stats.Errors = append(stats.Errors, TargetError{TargetID: target.ID, Error: err.Error()})
			continue
		}

		switch status {
		case StatusDone:
			stats.Done++
		case StatusNotFound:
			stats.NotFound++
		case StatusSkipped:
			stats.Skipped++
		}
	}

	p.logger.Infow("Removal batch complete", "shop", shop, "month", monthStamp,
		"done", stats.Done, "not_found", stats.NotFound, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

// processTarget resolves the target's email, maps its variant to a
// calendar, and deletes the subscriber from the cached snapshot. It marks
// the target's terminal status itself for every outcome except failure,
// which the caller handles.
func (p *Processor) processTarget(ctx context.Context, target *Target, monthStamp string) (string, error) {
	email := target.Email

	if email == "" && target.CustomerID != "" {
		customer, err := p.customers.GetCustomerEmail(ctx, target.Shop, target.CustomerID)
		if err != nil {
			return "", err
		}
		if customer == nil || customer.Email == "" {
			return p.markWithLog(ctx, target, "", StatusNotFound, "customer email not found")
		}
		email = customer.Email
		if err := p.store.SetTargetEmail(ctx, target.ID, email); err != nil {
			return "", err
		}
		target.Email = email
	}
	if email == "" {
		return p.markWithLog(ctx, target, "", StatusNotFound, "no email available")
	}

	calendarKey := p.calendars.KeyForVariant(target.LineVariantID)
	if calendarKey == "" {
		return p.markWithLog(ctx, target, "", StatusSkipped, "no calendar mapping for variant")
	}

	snapshotID, err := p.snapshots.Ensure(ctx, target.Shop, monthStamp, calendarKey)
	if err != nil {
		return "", err
	}
	if snapshotID == 0 {
		return p.markWithLog(ctx, target, calendarKey, StatusSkipped, "no snapshot available")
	}

	subscriberID, err := p.snapshots.LookupByEmail(ctx, snapshotID, email)
	if err != nil {
		return "", err
	}
	if subscriberID == "" {
		return p.markWithLog(ctx, target, calendarKey, StatusNotFound, "subscriber not on calendar")
	}

	if err := p.calendar.DeleteSubscriber(ctx, p.calendars.IDFor(calendarKey), subscriberID); err != nil {
		return "", err
	}

	if err := p.store.MarkTarget(ctx, target.ID, StatusDone, ""); err != nil {
		return "", err
	}
	p.store.LogAttempt(ctx, target.Shop, target.ID, calendarKey, email, subscriberID, StatusDone, "")
	return StatusDone, nil
}

func (p *Processor) markWithLog(ctx context.Context, target *Target, calendarKey, status, reason string) (string, error) {
	if err := p.store.MarkTarget(ctx, target.ID, status, reason); err != nil {
		return "", err
	}
	p.store.LogAttempt(ctx, target.Shop, target.ID, calendarKey, target.Email, "", status, reason)
	return status, nil
}

// ContractUpdate is a subscription contract status change pushed by the
// subscription app's flow.
type ContractUpdate struct {
	Shop          string
	ContractID    string
	CustomerID    string
	LineVariantID string
	Handle        string
	Status        string
}

// ContractResult reports what a status change did.
type ContractResult struct {
	Action      string        `json:"action"`
	Reactivated int64         `json:"reactivated_targets,omitempty"`
	Removal     *SingleResult `json:"removal,omitempty"`
}

// ApplyContractStatus keeps the intake tables in step with contract status
// changes. An ACTIVE contract leaves the cancelled staging set and any
// pending removal for the current month is skipped; a PAUSED or CANCELLED
// contract is staged and removed from the calendar right away.
func (p *Processor) ApplyContractStatus(ctx context.Context, update ContractUpdate) (ContractResult, error) {
	sub := Sub{
		Shop:          update.Shop,
		ContractID:    update.ContractID,
		CustomerID:    update.CustomerID,
		LineVariantID: update.LineVariantID,
		Handle:        update.Handle,
		Status:        update.Status,
	}

	switch update.Status {
	case "ACTIVE":
		if err := p.store.UpsertActiveSub(ctx, sub); err != nil {
			return ContractResult{}, err
		}
		if err := p.store.DeleteCancelledSub(ctx, update.Shop, update.ContractID); err != nil {
			return ContractResult{}, err
		}
		monthStamp := time.Now().UTC().Format("2006-01")
		n, err := p.store.ReactivatePendingTargets(ctx, update.Shop, update.ContractID, monthStamp)
		if err != nil {
			return ContractResult{}, err
		}
		if n > 0 {
			p.logger.Infow("Contract reactivated, pending removal skipped",
				"shop", update.Shop, "contract", update.ContractID, "targets", n)
		}
		return ContractResult{Action: "reactivated", Reactivated: n}, nil

	case "PAUSED", "CANCELLED":
		if err := p.store.UpsertCancelledSub(ctx, sub); err != nil {
			return ContractResult{}, err
		}
		if err := p.store.DeleteActiveSub(ctx, update.Shop, update.ContractID); err != nil {
			return ContractResult{}, err
		}
		result, err := p.ProcessSingle(ctx, update.Shop, update.ContractID, update.CustomerID, update.LineVariantID)
		if err != nil {
			return ContractResult{Action: "cancelled", Removal: &result}, err
		}
		return ContractResult{Action: "cancelled", Removal: &result}, nil
	}

	p.logger.Warnw("Unknown contract status, no action taken",
		"shop", update.Shop, "contract", update.ContractID, "status", update.Status)
	return ContractResult{Action: "ignored"}, nil
}

// SingleResult reports one ad-hoc contract removal.
type SingleResult struct {
	Processed bool   `json:"processed"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ProcessSingle removes one cancelled contract immediately, outside the
// monthly batch. Customers who still hold any active contract are never
// removed.
func (p *Processor) ProcessSingle(ctx context.Context, shop, contractID, customerID, lineVariantID string) (SingleResult, error) {
	monthStamp := time.Now().UTC().Format("2006-01")

	active, err := p.store.HasActiveSub(ctx, shop, customerID)
	if err != nil {
		return SingleResult{}, err
	}
	if active {
		p.logger.Infow("Customer still active, skipping removal",
			"shop", shop, "customer", customerID)
		return SingleResult{Reason: "customer_is_active"}, nil
	}

	existing, err := p.store.GetTarget(ctx, shop, contractID, monthStamp)
	if err != nil {
		return SingleResult{}, err
	}
	if existing != nil && existing.RemovalStatus != StatusPending {
		return SingleResult{Reason: "already_processed", Status: existing.RemovalStatus}, nil
	}

	target := Target{
		Shop:          shop,
		MonthStamp:    monthStamp,
		ContractID:    contractID,
		CustomerID:    customerID,
		LineVariantID: lineVariantID,
	}
	if existing != nil {
		target.ID = existing.ID
		target.Email = existing.Email
	} else {
		target.ID, err = p.store.AddTarget(ctx, target)
		if err != nil {
			return SingleResult{}, err
		}
	}

	status, err := p.processTarget(ctx, &target, monthStamp)
	if err != nil {
		if markErr := p.store.MarkTarget(ctx, target.ID, StatusFailed, err.Error()); markErr != nil {
			p.logger.Errorw("Failed to record removal failure", "target", target.ID, "error", markErr)
		}
		return SingleResult{Status: StatusFailed, Reason: err.Error()}, fmt.Errorf("remove contract %s: %w", contractID, err)
	}
	return SingleResult{Processed: true, Status: status}, nil
}
