package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrIssueNotFound    = errors.New("issue not found")
	ErrAlreadyPublished = errors.New("issue already published")
	ErrIssueImmutable   = errors.New("issue content is immutable once published")
	ErrQueueEmpty       = errors.New("no claimable delivery task")
	ErrLeaseNotFound    = errors.New("lease not found")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrClaimClosed      = errors.New("claim already resolved")
)

// IssueStatus is the delivery lifecycle state of an issue. The zero value
// means the issue exists but has not been published.
type IssueStatus string

const (
	StatusUnpublished IssueStatus = ""
	StatusAvailable   IssueStatus = "AVAILABLE"
	StatusInProcess   IssueStatus = "IN_PROCESS"
	StatusCompleted   IssueStatus = "COMPLETED"
)

// Legacy status spellings rewritten by the schema upgrade.
const (
	legacyStatusInProcess = "IN PROCESS"
	legacyStatusPublished = "PUBLISHED"
)

type SubscriberStatus string

const (
	SubscriberPending   SubscriberStatus = "pending_confirmation"
	SubscriberConfirmed SubscriberStatus = "confirmed"
)

type Subscriber struct {
	ID      string
	Address string
	Status  SubscriberStatus
}

func (s Subscriber) Confirmed() bool {
	return s.Status == SubscriberConfirmed
}

type Issue struct {
	ID          string
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
	Status      IssueStatus

	RequiredTasks int
	FinishedTasks int
}

// Task is one outstanding (issue, subscriber) delivery obligation. Its
// presence in the store is the pending state; there is no status column.
type Task struct {
	IssueID      string
	SubscriberID string
	Address      string

	// Attempt is 1 for the first claim and grows with every release.
	Attempt      int
	EnqueuedAt   time.Time
	ExecuteAfter time.Time
	LastError    string

	ClaimedBy  string
	LeaseUntil time.Time
}

type Progress struct {
	IssueID        string
	Status         IssueStatus
	RequiredTasks  int
	FinishedTasks  int
	RemainingTasks int
	DroppedTasks   int
}

type PublishRequest struct {
	Issue Issue

	// Subscribers is the audience snapshot at publish time. Only confirmed
	// entries receive a task. When nil, every subscriber already stored as
	// confirmed is used.
	Subscribers []Subscriber
}

type ClaimRequest struct {
	WorkerID string
	LeaseTTL time.Duration
	Now      time.Time
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDropped   Outcome = "dropped"
)

// Resolution describes how a claimed task left the queue. Dropped tasks are
// still counted as finished and leave a dead letter behind.
type Resolution struct {
	Outcome   Outcome
	Reason    string
	LastError string
}

// Claim is an exclusive hold on one task. Exactly one of Complete, Release
// or Abandon ends it; later calls return ErrClaimClosed.
type Claim interface {
	Task() Task

	// Issue is the issue content read together with the task, so delivery
	// needs no second store round trip while the claim is held.
	Issue() Issue

	// Complete deletes the task and counts it toward the issue in one
	// transaction, flipping the issue to COMPLETED when it was the last one.
	Complete(ctx context.Context, res Resolution) (Progress, error)

	// Release puts the task back, claimable again after delay.
	Release(ctx context.Context, delay time.Duration, lastErr string) error

	// Abandon gives the task back untouched: no attempt is counted and the
	// task is claimable again immediately.
	Abandon() error
}

type DeadLetter struct {
	IssueID      string
	SubscriberID string
	Address      string
	Reason       string
	Attempts     int
	LastError    string
	CreatedAt    time.Time
}

type TaskListRequest struct {
	IssueID string
	Limit   int
}

type TaskListResponse struct {
	Items []Task
}

type DeadLetterListRequest struct {
	IssueID string
	Limit   int
}

type DeadLetterListResponse struct {
	Items []DeadLetter
}

type BackfillReport struct {
	Reconciled int
	Completed  int
	Available  int
}

type Store interface {
	SaveIssue(ctx context.Context, issue Issue) error
	GetIssue(ctx context.Context, id string) (Issue, error)
	UpsertSubscriber(ctx context.Context, sub Subscriber) error
	Publish(ctx context.Context, req PublishRequest) (Progress, error)
	Claim(ctx context.Context, req ClaimRequest) (Claim, error)
	Progress(ctx context.Context, issueID string) (Progress, error)
	ListTasks(ctx context.Context, req TaskListRequest) (TaskListResponse, error)
	ListDeadLetters(ctx context.Context, req DeadLetterListRequest) (DeadLetterListResponse, error)
	Close() error
}

// Backfiller is implemented by durable stores that can carry issues written
// before the delivery state machine existed.
type Backfiller interface {
	BackfillLegacyIssues(ctx context.Context) (BackfillReport, error)
}

const (
	defaultLeaseTTL  = 5 * time.Minute
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func validateIssueID(id string) error {
	if id == "" {
		return errors.New("issue id is required")
	}
	return nil
}

// statusFor reports the status an issue takes for the given counters.
// Publishing to an empty audience completes immediately.
func statusFor(required, finished int) IssueStatus {
	if finished >= required {
		return StatusCompleted
	}
	return StatusAvailable
}

func normalizeLegacyStatus(raw string) IssueStatus {
	switch raw {
	case legacyStatusInProcess, legacyStatusPublished:
		return StatusInProcess
	default:
		return IssueStatus(raw)
	}
}

func (r *BackfillReport) add(status IssueStatus) {
	r.Reconciled++
	if status == StatusCompleted {
		r.Completed++
	} else {
		r.Available++
	}
}
