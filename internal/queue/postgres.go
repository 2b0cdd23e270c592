package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresOption func(*PostgresStore)

// PostgresStore is the multi-node backend. A claim holds its transaction
// open for the whole delivery; the row lock taken with SKIP LOCKED is the
// lease, and a crashed worker releases it by losing its connection.
type PostgresStore struct {
	pool     *pgxpool.Pool
	nowFn    func() time.Time
	maxConns int32
	builder  sq.StatementBuilderType
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ Backfiller = (*PostgresStore)(nil)
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
  id         TEXT PRIMARY KEY,
  address    TEXT NOT NULL,
  status     TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS issues (
  id           TEXT PRIMARY KEY,
  title        TEXT NOT NULL,
  text_content TEXT NOT NULL,
  html_content TEXT NOT NULL,
  published_at TIMESTAMPTZ NOT NULL,
  status       TEXT
);
ALTER TABLE issues ADD COLUMN IF NOT EXISTS required_n_tasks INTEGER NOT NULL DEFAULT 0;
ALTER TABLE issues ADD COLUMN IF NOT EXISTS finished_n_tasks INTEGER NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS delivery_tasks (
  issue_id      TEXT NOT NULL,
  subscriber_id TEXT NOT NULL,
  PRIMARY KEY (issue_id, subscriber_id)
);
ALTER TABLE delivery_tasks ADD COLUMN IF NOT EXISTS n_retries INTEGER NOT NULL DEFAULT 0;
ALTER TABLE delivery_tasks ADD COLUMN IF NOT EXISTS enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now();
ALTER TABLE delivery_tasks ADD COLUMN IF NOT EXISTS execute_after TIMESTAMPTZ NOT NULL DEFAULT now();
ALTER TABLE delivery_tasks ADD COLUMN IF NOT EXISTS last_error TEXT;
CREATE INDEX IF NOT EXISTS idx_delivery_tasks_ready
  ON delivery_tasks(execute_after, enqueued_at);

CREATE TABLE IF NOT EXISTS dead_letters (
  issue_id      TEXT NOT NULL,
  subscriber_id TEXT NOT NULL,
  address       TEXT NOT NULL,
  reason        TEXT NOT NULL,
  attempts      INTEGER NOT NULL,
  last_error    TEXT,
  created_at    TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (issue_id, subscriber_id)
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created
  ON dead_letters(created_at DESC);

UPDATE issues SET status = 'IN_PROCESS' WHERE status IN ('IN PROCESS', 'PUBLISHED');
UPDATE issues SET status = 'IN_PROCESS'
  WHERE status IS NULL
    AND EXISTS (SELECT 1 FROM delivery_tasks t WHERE t.issue_id = issues.id);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPostgresMaxConns bounds the pool. Every in-flight claim pins one
// connection, so this must exceed the worker pool size.
func WithPostgresMaxConns(n int32) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	s := &PostgresStore{
		nowFn:    time.Now,
		maxConns: 16,
		builder:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = s.maxConns

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool

	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction that commits only when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPostgresIssue(ctx context.Context, q pgQueryer, id string, forUpdate bool) (Issue, bool, error) {
	query := `
SELECT id, title, text_content, html_content, published_at, status, required_n_tasks, finished_n_tasks
FROM issues WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		issue  Issue
		status *string
	)
	err := q.QueryRow(ctx, query, id).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt, &status, &issue.RequiredTasks, &issue.FinishedTasks)
	if errors.Is(err, pgx.ErrNoRows) {
		return Issue{}, false, nil
	}
	if err != nil {
		return Issue{}, false, err
	}
	issue.PublishedAt = issue.PublishedAt.UTC()
	if status != nil {
		issue.Status = normalizeLegacyStatus(*status)
	}
	return issue, true, nil
}

func upsertPostgresIssue(ctx context.Context, tx pgx.Tx, issue Issue) error {
	_, err := tx.Exec(ctx, `
INSERT INTO issues (id, title, text_content, html_content, published_at, status)
VALUES ($1, $2, $3, $4, $5, NULL)
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  text_content = EXCLUDED.text_content,
  html_content = EXCLUDED.html_content,
  published_at = EXCLUDED.published_at
WHERE issues.status IS NULL;
`, issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt.UTC())
	return err
}

func (s *PostgresStore) SaveIssue(ctx context.Context, issue Issue) error {
	if err := validateIssueID(issue.ID); err != nil {
		return err
	}
	if issue.PublishedAt.IsZero() {
		issue.PublishedAt = s.nowFn()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := getPostgresIssue(ctx, tx, issue.ID, true)
		if err != nil {
			return err
		}
		if found && existing.Status != StatusUnpublished {
			return ErrIssueImmutable
		}
		return upsertPostgresIssue(ctx, tx, issue)
	})
}

func (s *PostgresStore) GetIssue(ctx context.Context, id string) (Issue, error) {
	issue, found, err := getPostgresIssue(ctx, s.pool, id, false)
	if err != nil {
		return Issue{}, err
	}
	if !found {
		return Issue{}, ErrIssueNotFound
	}
	return issue, nil
}

const postgresUpsertSubscriber = `
INSERT INTO subscribers (id, address, status) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, status = EXCLUDED.status;
`

func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if err := validateSubscriber(sub); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, postgresUpsertSubscriber, sub.ID, sub.Address, string(sub.Status))
	return err
}

func (s *PostgresStore) Publish(ctx context.Context, req PublishRequest) (Progress, error) {
	if err := validateIssueID(req.Issue.ID); err != nil {
		return Progress{}, err
	}
	for _, sub := range req.Subscribers {
		if err := validateSubscriber(sub); err != nil {
			return Progress{}, err
		}
	}

	now := s.nowFn().UTC()
	var out Progress
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := getPostgresIssue(ctx, tx, req.Issue.ID, true)
		if err != nil {
			return err
		}
		var base *Issue
		if found {
			if existing.Status != StatusUnpublished {
				return ErrAlreadyPublished
			}
			base = &existing
		}
		issue := mergeIssueContent(base, req.Issue, now)
		if err := upsertPostgresIssue(ctx, tx, issue); err != nil {
			return err
		}

		if len(req.Subscribers) > 0 {
			batch := &pgx.Batch{}
			for _, sub := range req.Subscribers {
				batch.Queue(postgresUpsertSubscriber, sub.ID, sub.Address, string(sub.Status))
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}

		var tag pgconn.CommandTag
		if req.Subscribers != nil {
			audience := confirmedAudience(req.Subscribers)
			ids := make([]string, 0, len(audience))
			for _, sub := range audience {
				ids = append(ids, sub.ID)
			}
			tag, err = tx.Exec(ctx, `
INSERT INTO delivery_tasks (issue_id, subscriber_id, n_retries, enqueued_at, execute_after)
SELECT $1, u.id, 0, $3, $3 FROM unnest($2::text[]) WITH ORDINALITY AS u(id, ord) ORDER BY u.ord;
`, issue.ID, ids, now)
		} else {
			tag, err = tx.Exec(ctx, `
INSERT INTO delivery_tasks (issue_id, subscriber_id, n_retries, enqueued_at, execute_after)
SELECT $1, id, 0, $2, $2 FROM subscribers WHERE status = 'confirmed' ORDER BY created_at, id;
`, issue.ID, now)
		}
		if err != nil {
			return mapPostgresPublishError(err)
		}
		required := int(tag.RowsAffected())

		updated, err := tx.Exec(ctx, `
UPDATE issues SET required_n_tasks = $1, finished_n_tasks = 0, status = $2
WHERE id = $3 AND status IS NULL;
`, required, string(statusFor(required, 0)), issue.ID)
		if err != nil {
			return err
		}
		if updated.RowsAffected() != 1 {
			return ErrAlreadyPublished
		}
		out, err = postgresProgress(ctx, tx, issue.ID)
		return err
	})
	if err != nil {
		return Progress{}, err
	}
	return out, nil
}

// Claim opens a transaction, locks the oldest ready task and keeps the
// transaction open until the returned claim is resolved.
func (s *PostgresStore) Claim(ctx context.Context, req ClaimRequest) (Claim, error) {
	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	var (
		task  Task
		issue Issue
	)
	err = tx.QueryRow(ctx, `
SELECT t.issue_id, t.subscriber_id, COALESCE(sub.address, ''), t.n_retries,
       t.enqueued_at, t.execute_after, COALESCE(t.last_error, ''),
       i.title, i.text_content, i.html_content, i.required_n_tasks, i.finished_n_tasks
FROM delivery_tasks t
JOIN issues i ON i.id = t.issue_id AND i.status = 'AVAILABLE'
LEFT JOIN subscribers sub ON sub.id = t.subscriber_id
WHERE t.execute_after <= $1
ORDER BY t.enqueued_at, t.issue_id, t.subscriber_id
LIMIT 1
FOR UPDATE OF t SKIP LOCKED;
`, now.UTC()).Scan(&task.IssueID, &task.SubscriberID, &task.Address, &task.Attempt, &task.EnqueuedAt, &task.ExecuteAfter, &task.LastError,
		&issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.RequiredTasks, &issue.FinishedTasks)
	if err != nil {
		_ = tx.Rollback(context.Background())
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		return nil, err
	}
	task.Attempt++
	task.EnqueuedAt = task.EnqueuedAt.UTC()
	task.ExecuteAfter = task.ExecuteAfter.UTC()
	task.ClaimedBy = req.WorkerID
	issue.ID = task.IssueID
	issue.Status = StatusAvailable
	return &postgresClaim{store: s, tx: tx, task: task, issue: issue}, nil
}

func (s *PostgresStore) Progress(ctx context.Context, issueID string) (Progress, error) {
	return postgresProgress(ctx, s.pool, issueID)
}

func postgresProgress(ctx context.Context, q pgQueryer, issueID string) (Progress, error) {
	var (
		out    Progress
		status *string
	)
	err := q.QueryRow(ctx, `
SELECT i.id, i.status, i.required_n_tasks, i.finished_n_tasks,
  (SELECT COUNT(*) FROM delivery_tasks t WHERE t.issue_id = i.id),
  (SELECT COUNT(*) FROM dead_letters d WHERE d.issue_id = i.id)
FROM issues i WHERE i.id = $1;
`, issueID).Scan(&out.IssueID, &status, &out.RequiredTasks, &out.FinishedTasks, &out.RemainingTasks, &out.DroppedTasks)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, ErrIssueNotFound
	}
	if err != nil {
		return Progress{}, err
	}
	if status != nil {
		out.Status = normalizeLegacyStatus(*status)
	}
	return out, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, req TaskListRequest) (TaskListResponse, error) {
	q := s.builder.
		Select("t.issue_id", "t.subscriber_id", "COALESCE(sub.address, '')", "t.n_retries",
			"t.enqueued_at", "t.execute_after", "COALESCE(t.last_error, '')").
		From("delivery_tasks t").
		LeftJoin("subscribers sub ON sub.id = t.subscriber_id").
		OrderBy("t.enqueued_at", "t.issue_id", "t.subscriber_id").
		Limit(uint64(normalizeLimit(req.Limit)))
	if req.IssueID != "" {
		q = q.Where(sq.Eq{"t.issue_id": req.IssueID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return TaskListResponse{}, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return TaskListResponse{}, err
	}
	defer rows.Close()

	out := TaskListResponse{}
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.IssueID, &task.SubscriberID, &task.Address, &task.Attempt, &task.EnqueuedAt, &task.ExecuteAfter, &task.LastError); err != nil {
			return TaskListResponse{}, err
		}
		task.Attempt++
		task.EnqueuedAt = task.EnqueuedAt.UTC()
		task.ExecuteAfter = task.ExecuteAfter.UTC()
		out.Items = append(out.Items, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, req DeadLetterListRequest) (DeadLetterListResponse, error) {
	q := s.builder.
		Select("issue_id", "subscriber_id", "address", "reason", "attempts", "COALESCE(last_error, '')", "created_at").
		From("dead_letters").
		OrderBy("created_at DESC", "issue_id", "subscriber_id").
		Limit(uint64(normalizeLimit(req.Limit)))
	if req.IssueID != "" {
		q = q.Where(sq.Eq{"issue_id": req.IssueID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return DeadLetterListResponse{}, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return DeadLetterListResponse{}, err
	}
	defer rows.Close()

	out := DeadLetterListResponse{}
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.IssueID, &dl.SubscriberID, &dl.Address, &dl.Reason, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return DeadLetterListResponse{}, err
		}
		dl.CreatedAt = dl.CreatedAt.UTC()
		out.Items = append(out.Items, dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BackfillLegacyIssues(ctx context.Context) (BackfillReport, error) {
	var report BackfillReport
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM issues WHERE status = 'IN_PROCESS' ORDER BY published_at, id FOR UPDATE;`)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		for _, id := range ids {
			var remaining int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = $1;`, id).Scan(&remaining); err != nil {
				return err
			}
			status := statusFor(remaining, 0)
			if _, err := tx.Exec(ctx, `
UPDATE issues SET required_n_tasks = $1, finished_n_tasks = 0, status = $2 WHERE id = $3;
`, remaining, string(status), id); err != nil {
				return err
			}
			report.add(status)
		}
		return nil
	})
	if err != nil {
		return BackfillReport{}, err
	}
	return report, nil
}

type postgresClaim struct {
	store  *PostgresStore
	tx     pgx.Tx
	task   Task
	issue  Issue
	closed atomic.Bool
}

func (c *postgresClaim) Task() Task { return c.task }

func (c *postgresClaim) Issue() Issue { return c.issue }

func (c *postgresClaim) Complete(ctx context.Context, res Resolution) (Progress, error) {
	if !c.closed.CompareAndSwap(false, true) {
		return Progress{}, ErrClaimClosed
	}
	out, err := c.complete(ctx, res)
	if err != nil {
		_ = c.tx.Rollback(context.Background())
		return Progress{}, err
	}
	if err := c.tx.Commit(ctx); err != nil {
		_ = c.tx.Rollback(context.Background())
		return Progress{}, err
	}
	return out, nil
}

func (c *postgresClaim) complete(ctx context.Context, res Resolution) (Progress, error) {
	deleted, err := c.tx.Exec(ctx, `
DELETE FROM delivery_tasks WHERE issue_id = $1 AND subscriber_id = $2;
`, c.task.IssueID, c.task.SubscriberID)
	if err != nil {
		return Progress{}, err
	}
	if deleted.RowsAffected() != 1 {
		return Progress{}, ErrLeaseNotFound
	}

	updated, err := c.tx.Exec(ctx, `
UPDATE issues SET
  finished_n_tasks = finished_n_tasks + 1,
  status = CASE WHEN finished_n_tasks + 1 >= required_n_tasks THEN 'COMPLETED' ELSE status END
WHERE id = $1 AND finished_n_tasks < required_n_tasks;
`, c.task.IssueID)
	if err != nil {
		return Progress{}, err
	}
	if updated.RowsAffected() != 1 {
		return Progress{}, fmt.Errorf("issue %q: finished task count would exceed required", c.task.IssueID)
	}

	if res.Outcome == OutcomeDropped {
		if _, err := c.tx.Exec(ctx, `
INSERT INTO dead_letters (issue_id, subscriber_id, address, reason, attempts, last_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (issue_id, subscriber_id) DO UPDATE SET
  reason = EXCLUDED.reason,
  attempts = EXCLUDED.attempts,
  last_error = EXCLUDED.last_error,
  created_at = EXCLUDED.created_at;
`, c.task.IssueID, c.task.SubscriberID, c.task.Address, res.Reason, c.task.Attempt, nullIfEmpty(res.LastError), c.store.nowFn().UTC()); err != nil {
			return Progress{}, err
		}
	}
	return postgresProgress(ctx, c.tx, c.task.IssueID)
}

func (c *postgresClaim) Release(ctx context.Context, delay time.Duration, lastErr string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	if delay < 0 {
		delay = 0
	}
	next := c.store.nowFn().Add(delay).UTC()
	tag, err := c.tx.Exec(ctx, `
UPDATE delivery_tasks SET n_retries = n_retries + 1, execute_after = $1, last_error = $2
WHERE issue_id = $3 AND subscriber_id = $4;
`, next, nullIfEmpty(lastErr), c.task.IssueID, c.task.SubscriberID)
	if err == nil && tag.RowsAffected() != 1 {
		err = ErrLeaseNotFound
	}
	if err != nil {
		_ = c.tx.Rollback(context.Background())
		return err
	}
	return c.tx.Commit(ctx)
}

func (c *postgresClaim) Abandon() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.tx.Rollback(ctx)
}

func mapPostgresPublishError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyPublished
	}
	return err
}
