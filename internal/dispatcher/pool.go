package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/newsletterd/internal/mailer"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

const tracerName = "github.com/nuetzliches/newsletterd/internal/dispatcher"

type WorkerPool struct {
	Store  queue.Store
	Sender mailer.Sender
	Logger *slog.Logger
	Tracer trace.Tracer

	Size         int
	PollInterval time.Duration
	ErrorBackoff time.Duration
	SendTimeout  time.Duration
	LeaseTTL     time.Duration
	Retry        RetryConfig

	From            string
	MessageIDDomain string
	// WorkerPrefix names workers in claims and logs; a random one is used
	// when empty.
	WorkerPrefix string

	ObserveOutcome   func(outcome Outcome, reason string)
	OnIssueCompleted func(p queue.Progress)

	retry atomic.Pointer[RetryConfig]
}

// SetRetry swaps the retry policy used for decisions made after the call.
func (p *WorkerPool) SetRetry(cfg RetryConfig) {
	p.retry.Store(&cfg)
}

func (p *WorkerPool) retryConfig() RetryConfig {
	if cfg := p.retry.Load(); cfg != nil {
		return *cfg
	}
	return p.Retry
}

// Run starts Size workers and blocks until ctx is cancelled and every
// in-flight delivery has been resolved.
func (p *WorkerPool) Run(ctx context.Context) error {
	if p.Store == nil || p.Sender == nil {
		return errors.New("worker pool needs a store and a sender")
	}
	size := p.Size
	if size <= 0 {
		size = 1
	}
	prefix := p.WorkerPrefix
	if prefix == "" {
		prefix = "worker-" + uuid.NewString()[:8]
	}

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}(fmt.Sprintf("%s-%d", prefix, i+1))
	}
	wg.Wait()
	return nil
}

func (p *WorkerPool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *WorkerPool) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return otel.Tracer(tracerName)
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger().With(slog.String("worker", workerID))
	pollInterval := p.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	errorBackoff := p.ErrorBackoff
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}

	for ctx.Err() == nil {
		claim, err := p.Store.Claim(ctx, queue.ClaimRequest{WorkerID: workerID, LeaseTTL: p.LeaseTTL})
		if errors.Is(err, queue.ErrQueueEmpty) {
			sleepCtx(ctx, pollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker_claim_failed", slog.Any("err", err))
			sleepCtx(ctx, errorBackoff)
			continue
		}

		if err := p.handleClaim(ctx, logger, claim); err != nil {
			logger.Warn("worker_delivery_failed",
				slog.String("issue_id", claim.Task().IssueID),
				slog.String("subscriber_id", claim.Task().SubscriberID),
				slog.Any("err", err),
			)
			sleepCtx(ctx, errorBackoff)
		}
	}
}

// handleClaim resolves one claim. Deliveries already started are finished
// even when ctx is cancelled. A returned error means the store could not be
// reached and the caller should back off.
func (p *WorkerPool) handleClaim(ctx context.Context, logger *slog.Logger, claim queue.Claim) (err error) {
	task := claim.Task()
	workCtx := context.WithoutCancel(ctx)

	workCtx, span := p.tracer().Start(workCtx, "newsletter.deliver",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("newsletter.issue_id", task.IssueID),
			attribute.String("newsletter.subscriber_id", task.SubscriberID),
			attribute.Int("newsletter.attempt", task.Attempt),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			_ = claim.Abandon()
			p.observe(OutcomeAbandoned, "panic")
			span.SetStatus(codes.Error, "panic")
			logger.Error("worker_delivery_panic",
				slog.String("issue_id", task.IssueID),
				slog.String("subscriber_id", task.SubscriberID),
				slog.Any("panic", r),
			)
			err = nil
		}
	}()

	issue := claim.Issue()
	msg, sendErr := mailer.Compose(
		p.From,
		task.Address,
		issue.Title,
		issue.TextContent,
		issue.HTMLContent,
		mailer.MessageID(task.IssueID, task.SubscriberID, p.MessageIDDomain),
	)
	// A compose failure other than a bad recipient concerns the issue as a
	// whole and is retried like any transient error.
	if sendErr == nil {
		sendErr = p.send(workCtx, msg)
	}
	return p.resolve(workCtx, logger, span, claim, decide(sendErr, task.Attempt, p.retryConfig()), sendErr)
}

func (p *WorkerPool) send(ctx context.Context, msg mailer.Message) error {
	timeout := p.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Sender.Send(sendCtx, msg)
}

func (p *WorkerPool) resolve(ctx context.Context, logger *slog.Logger, span trace.Span, claim queue.Claim, d decision, sendErr error) error {
	task := claim.Task()
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
		span.RecordError(sendErr)
	}
	span.SetAttributes(attribute.String("newsletter.outcome", string(d.outcome)))

	if d.outcome == OutcomeRetry {
		logger.Info("delivery_retry_scheduled",
			slog.String("issue_id", task.IssueID),
			slog.String("subscriber_id", task.SubscriberID),
			slog.Int("attempt", task.Attempt),
			slog.Duration("delay", d.delay),
			slog.String("err", errText),
		)
		if err := claim.Release(ctx, d.delay, errText); err != nil {
			return p.resolveFailed(logger, span, task, "release", err)
		}
		p.observe(d.outcome, d.reason)
		return nil
	}

	res := queue.Resolution{Outcome: queue.OutcomeDelivered}
	if d.outcome == OutcomeDropped {
		res = queue.Resolution{Outcome: queue.OutcomeDropped, Reason: d.reason, LastError: errText}
		span.SetStatus(codes.Error, d.reason)
		logger.Warn("delivery_dropped",
			slog.String("issue_id", task.IssueID),
			slog.String("subscriber_id", task.SubscriberID),
			slog.Int("attempt", task.Attempt),
			slog.String("reason", d.reason),
			slog.String("err", errText),
		)
	}
	progress, err := claim.Complete(ctx, res)
	if err != nil {
		return p.resolveFailed(logger, span, task, "complete", err)
	}
	p.observe(d.outcome, d.reason)
	if progress.Status == queue.StatusCompleted {
		logger.Info("issue_completed",
			slog.String("issue_id", progress.IssueID),
			slog.Int("required_n_tasks", progress.RequiredTasks),
			slog.Int("dropped_n_tasks", progress.DroppedTasks),
		)
		if p.OnIssueCompleted != nil {
			p.OnIssueCompleted(progress)
		}
	}
	return nil
}

// resolveFailed reports a failed Complete or Release. A lost lease only
// means another worker owns the task now, so it is not a store outage.
func (p *WorkerPool) resolveFailed(logger *slog.Logger, span trace.Span, task queue.Task, op string, err error) error {
	span.RecordError(err)
	if errors.Is(err, queue.ErrLeaseExpired) || errors.Is(err, queue.ErrLeaseNotFound) {
		logger.Warn("worker_lease_lost",
			slog.String("op", op),
			slog.String("issue_id", task.IssueID),
			slog.String("subscriber_id", task.SubscriberID),
			slog.Any("err", err),
		)
		return nil
	}
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%s task: %w", op, err)
}

func (p *WorkerPool) observe(outcome Outcome, reason string) {
	if p.ObserveOutcome != nil {
		p.ObserveOutcome(outcome, reason)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
