package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

// SchemaVersion is the SQLite schema layout this build migrates to.
const SchemaVersion = 4

// schemaV1 is the layout written before issues tracked delivery counters.
// Issue status was free text then; v2 normalizes it.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS subscribers (
  id      TEXT PRIMARY KEY,
  address TEXT NOT NULL,
  status  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS issues (
  id           TEXT PRIMARY KEY,
  title        TEXT NOT NULL,
  text_content TEXT NOT NULL,
  html_content TEXT NOT NULL,
  published_at INTEGER NOT NULL,
  status       TEXT
);
CREATE TABLE IF NOT EXISTS delivery_tasks (
  issue_id      TEXT NOT NULL,
  subscriber_id TEXT NOT NULL,
  PRIMARY KEY (issue_id, subscriber_id)
);
`

const schemaV2 = `
ALTER TABLE issues ADD COLUMN required_n_tasks INTEGER NOT NULL DEFAULT 0;
ALTER TABLE issues ADD COLUMN finished_n_tasks INTEGER NOT NULL DEFAULT 0;
UPDATE issues SET status = 'IN_PROCESS' WHERE status IN ('IN PROCESS', 'PUBLISHED');
UPDATE issues SET status = 'IN_PROCESS'
  WHERE status IS NULL
    AND EXISTS (SELECT 1 FROM delivery_tasks t WHERE t.issue_id = issues.id);
`

const schemaV3 = `
ALTER TABLE delivery_tasks ADD COLUMN n_retries INTEGER NOT NULL DEFAULT 0;
ALTER TABLE delivery_tasks ADD COLUMN enqueued_at INTEGER NOT NULL DEFAULT 0;
ALTER TABLE delivery_tasks ADD COLUMN execute_after INTEGER NOT NULL DEFAULT 0;
ALTER TABLE delivery_tasks ADD COLUMN last_error TEXT;
ALTER TABLE delivery_tasks ADD COLUMN lease_id TEXT;
ALTER TABLE delivery_tasks ADD COLUMN lease_until INTEGER;
ALTER TABLE delivery_tasks ADD COLUMN claimed_by TEXT;
CREATE INDEX IF NOT EXISTS idx_delivery_tasks_ready
  ON delivery_tasks(execute_after, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_delivery_tasks_lease_id
  ON delivery_tasks(lease_id);
`

const schemaV4 = `
CREATE TABLE IF NOT EXISTS dead_letters (
  issue_id      TEXT NOT NULL,
  subscriber_id TEXT NOT NULL,
  address       TEXT NOT NULL,
  reason        TEXT NOT NULL,
  attempts      INTEGER NOT NULL,
  last_error    TEXT,
  created_at    INTEGER NOT NULL,
  PRIMARY KEY (issue_id, subscriber_id)
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created
  ON dead_letters(created_at DESC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLiteLeaseTTL sets the lease used when a ClaimRequest carries none.
func WithSQLiteLeaseTTL(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// SQLiteStore is the single-node durable backend. SQLite has no row locks,
// so a claim stamps a lease on the task row; rows with a live lease are
// skipped and expired leases become claimable again.
type SQLiteStore struct {
	db       *sql.DB
	nowFn    func() time.Time
	leaseTTL time.Duration
	builder  sq.StatementBuilderType
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:       db,
		nowFn:    time.Now,
		leaseTTL: defaultLeaseTTL,
		builder:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > SchemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, SchemaVersion)
		}

		for v := current + 1; v <= SchemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			case 3:
				stmt = schemaV3
			case 4:
				stmt = schemaV4
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != SchemaVersion {
			return writeSchemaVersion(ctx, conn, SchemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// The transaction commits only when fn returns nil.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) SaveIssue(ctx context.Context, issue Issue) error {
	if err := validateIssueID(issue.ID); err != nil {
		return err
	}
	if issue.PublishedAt.IsZero() {
		issue.PublishedAt = s.nowFn()
	}
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var status sql.NullString
		err := conn.QueryRowContext(ctx, `SELECT status FROM issues WHERE id = ?;`, issue.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case status.Valid && status.String != "":
			return ErrIssueImmutable
		}
		return upsertSQLiteIssue(ctx, conn, issue)
	})
}

func upsertSQLiteIssue(ctx context.Context, conn *sql.Conn, issue Issue) error {
	_, err := conn.ExecContext(ctx, `
INSERT INTO issues (id, title, text_content, html_content, published_at, status)
VALUES (?, ?, ?, ?, ?, NULL)
ON CONFLICT(id) DO UPDATE SET
  title = excluded.title,
  text_content = excluded.text_content,
  html_content = excluded.html_content,
  published_at = excluded.published_at;
`, issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt.UnixNano())
	return err
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (Issue, error) {
	issue, found, err := getSQLiteIssue(ctx, s.db, id)
	if err != nil {
		return Issue{}, err
	}
	if !found {
		return Issue{}, ErrIssueNotFound
	}
	return issue, nil
}

type sqliteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteIssue(ctx context.Context, q sqliteQueryer, id string) (Issue, bool, error) {
	var (
		issue       Issue
		publishedAt int64
		status      sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT id, title, text_content, html_content, published_at, status, required_n_tasks, finished_n_tasks
FROM issues WHERE id = ?;
`, id).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &publishedAt, &status, &issue.RequiredTasks, &issue.FinishedTasks)
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, false, nil
	}
	if err != nil {
		return Issue{}, false, err
	}
	issue.PublishedAt = time.Unix(0, publishedAt).UTC()
	if status.Valid {
		issue.Status = normalizeLegacyStatus(status.String)
	}
	return issue, true, nil
}

func (s *SQLiteStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if err := validateSubscriber(sub); err != nil {
		return err
	}
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		return upsertSQLiteSubscriber(ctx, conn, sub)
	})
}

func upsertSQLiteSubscriber(ctx context.Context, conn *sql.Conn, sub Subscriber) error {
	_, err := conn.ExecContext(ctx, `
INSERT INTO subscribers (id, address, status) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET address = excluded.address, status = excluded.status;
`, sub.ID, sub.Address, string(sub.Status))
	return err
}

func (s *SQLiteStore) Publish(ctx context.Context, req PublishRequest) (Progress, error) {
	if err := validateIssueID(req.Issue.ID); err != nil {
		return Progress{}, err
	}
	for _, sub := range req.Subscribers {
		if err := validateSubscriber(sub); err != nil {
			return Progress{}, err
		}
	}

	now := s.nowFn()
	var out Progress
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		existing, found, err := getSQLiteIssue(ctx, conn, req.Issue.ID)
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
		if err := upsertSQLiteIssue(ctx, conn, issue); err != nil {
			return err
		}
		for _, sub := range req.Subscribers {
			if err := upsertSQLiteSubscriber(ctx, conn, sub); err != nil {
				return err
			}
		}

		required := 0
		if req.Subscribers != nil {
			for _, sub := range confirmedAudience(req.Subscribers) {
				if _, err := conn.ExecContext(ctx, `
INSERT INTO delivery_tasks (issue_id, subscriber_id, n_retries, enqueued_at, execute_after)
VALUES (?, ?, 0, ?, ?);
`, issue.ID, sub.ID, now.UnixNano(), now.UnixNano()); err != nil {
					return mapSQLitePublishError(err)
				}
				required++
			}
		} else {
			res, err := conn.ExecContext(ctx, `
INSERT INTO delivery_tasks (issue_id, subscriber_id, n_retries, enqueued_at, execute_after)
SELECT ?, id, 0, ?, ? FROM subscribers WHERE status = 'confirmed' ORDER BY rowid;
`, issue.ID, now.UnixNano(), now.UnixNano())
			if err != nil {
				return mapSQLitePublishError(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			required = int(n)
		}

		if _, err := conn.ExecContext(ctx, `
UPDATE issues SET required_n_tasks = ?, finished_n_tasks = 0, status = ? WHERE id = ?;
`, required, string(statusFor(required, 0)), issue.ID); err != nil {
			return err
		}
		out, err = sqliteProgress(ctx, conn, issue.ID)
		return err
	})
	if err != nil {
		return Progress{}, err
	}
	return out, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, req ClaimRequest) (Claim, error) {
	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = s.leaseTTL
	}

	leaseID := uuid.NewString()
	var (
		task  Task
		issue Issue
	)
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var (
			nRetries     int
			enqueuedAt   int64
			executeAfter int64
		)
		err := conn.QueryRowContext(ctx, `
SELECT t.issue_id, t.subscriber_id, COALESCE(sub.address, ''), t.n_retries,
       t.enqueued_at, t.execute_after, COALESCE(t.last_error, ''),
       i.title, i.text_content, i.html_content, i.required_n_tasks, i.finished_n_tasks
FROM delivery_tasks t
JOIN issues i ON i.id = t.issue_id AND i.status = 'AVAILABLE'
LEFT JOIN subscribers sub ON sub.id = t.subscriber_id
WHERE t.execute_after <= ?
  AND (t.lease_id IS NULL OR t.lease_until <= ?)
ORDER BY t.enqueued_at, t.rowid
LIMIT 1;
`, now.UnixNano(), now.UnixNano()).Scan(&task.IssueID, &task.SubscriberID, &task.Address, &nRetries, &enqueuedAt, &executeAfter, &task.LastError,
			&issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.RequiredTasks, &issue.FinishedTasks)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQueueEmpty
		}
		if err != nil {
			return err
		}
		task.Attempt = nRetries + 1
		task.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		task.ExecuteAfter = time.Unix(0, executeAfter).UTC()
		task.ClaimedBy = req.WorkerID
		task.LeaseUntil = now.Add(ttl)

		_, err = conn.ExecContext(ctx, `
UPDATE delivery_tasks SET lease_id = ?, lease_until = ?, claimed_by = ?
WHERE issue_id = ? AND subscriber_id = ?;
`, leaseID, task.LeaseUntil.UnixNano(), nullIfEmpty(req.WorkerID), task.IssueID, task.SubscriberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	issue.ID = task.IssueID
	issue.Status = StatusAvailable
	return &sqliteClaim{store: s, leaseID: leaseID, task: task, issue: issue}, nil
}

func (s *SQLiteStore) Progress(ctx context.Context, issueID string) (Progress, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Progress{}, err
	}
	defer conn.Close()
	return sqliteProgress(ctx, conn, issueID)
}

func sqliteProgress(ctx context.Context, conn *sql.Conn, issueID string) (Progress, error) {
	issue, found, err := getSQLiteIssue(ctx, conn, issueID)
	if err != nil {
		return Progress{}, err
	}
	if !found {
		return Progress{}, ErrIssueNotFound
	}
	out := Progress{
		IssueID:       issue.ID,
		Status:        issue.Status,
		RequiredTasks: issue.RequiredTasks,
		FinishedTasks: issue.FinishedTasks,
	}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = ?;`, issueID).Scan(&out.RemainingTasks); err != nil {
		return Progress{}, err
	}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE issue_id = ?;`, issueID).Scan(&out.DroppedTasks); err != nil {
		return Progress{}, err
	}
	return out, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, req TaskListRequest) (TaskListResponse, error) {
	q := s.builder.
		Select("t.issue_id", "t.subscriber_id", "COALESCE(sub.address, '')", "t.n_retries",
			"t.enqueued_at", "t.execute_after", "COALESCE(t.last_error, '')",
			"COALESCE(t.claimed_by, '')", "COALESCE(t.lease_until, 0)").
		From("delivery_tasks t").
		LeftJoin("subscribers sub ON sub.id = t.subscriber_id").
		OrderBy("t.enqueued_at", "t.rowid").
		Limit(uint64(normalizeLimit(req.Limit)))
	if req.IssueID != "" {
		q = q.Where(sq.Eq{"t.issue_id": req.IssueID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return TaskListResponse{}, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskListResponse{}, err
	}
	defer rows.Close()

	out := TaskListResponse{}
	for rows.Next() {
		var (
			task                                 Task
			nRetries                             int
			enqueuedAt, executeAfter, leaseUntil int64
		)
		if err := rows.Scan(&task.IssueID, &task.SubscriberID, &task.Address, &nRetries, &enqueuedAt, &executeAfter, &task.LastError, &task.ClaimedBy, &leaseUntil); err != nil {
			return TaskListResponse{}, err
		}
		task.Attempt = nRetries + 1
		task.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		task.ExecuteAfter = time.Unix(0, executeAfter).UTC()
		if leaseUntil > 0 {
			task.LeaseUntil = time.Unix(0, leaseUntil).UTC()
		}
		out.Items = append(out.Items, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, req DeadLetterListRequest) (DeadLetterListResponse, error) {
	q := s.builder.
		Select("issue_id", "subscriber_id", "address", "reason", "attempts", "COALESCE(last_error, '')", "created_at").
		From("dead_letters").
		OrderBy("created_at DESC", "rowid DESC").
		Limit(uint64(normalizeLimit(req.Limit)))
	if req.IssueID != "" {
		q = q.Where(sq.Eq{"issue_id": req.IssueID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return DeadLetterListResponse{}, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return DeadLetterListResponse{}, err
	}
	defer rows.Close()

	out := DeadLetterListResponse{}
	for rows.Next() {
		var (
			dl        DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&dl.IssueID, &dl.SubscriberID, &dl.Address, &dl.Reason, &dl.Attempts, &dl.LastError, &createdAt); err != nil {
			return DeadLetterListResponse{}, err
		}
		dl.CreatedAt = time.Unix(0, createdAt).UTC()
		out.Items = append(out.Items, dl)
	}
	return out, rows.Err()
}

// BackfillLegacyIssues reconciles issues left IN_PROCESS by the schema
// upgrade: the remaining task rows become the required count and the
// issue moves to AVAILABLE, or COMPLETED when nothing is left.
func (s *SQLiteStore) BackfillLegacyIssues(ctx context.Context) (BackfillReport, error) {
	var report BackfillReport
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM issues WHERE status = 'IN_PROCESS' ORDER BY published_at, id;`)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			var remaining int
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = ?;`, id).Scan(&remaining); err != nil {
				return err
			}
			status := statusFor(remaining, 0)
			if _, err := conn.ExecContext(ctx, `
UPDATE issues SET required_n_tasks = ?, finished_n_tasks = 0, status = ? WHERE id = ?;
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

type sqliteClaim struct {
	store   *SQLiteStore
	leaseID string
	task    Task
	issue   Issue
	closed  atomic.Bool
}

func (c *sqliteClaim) Task() Task { return c.task }

func (c *sqliteClaim) Issue() Issue { return c.issue }

func (c *sqliteClaim) Complete(ctx context.Context, res Resolution) (Progress, error) {
	if !c.closed.CompareAndSwap(false, true) {
		return Progress{}, ErrClaimClosed
	}
	s := c.store
	now := s.nowFn()
	var (
		out     Progress
		expired bool
	)
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		ok, live, err := c.checkLease(ctx, conn, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseNotFound
		}
		if !live {
			expired = true
			_, err := conn.ExecContext(ctx, `
UPDATE delivery_tasks SET lease_id = NULL, lease_until = NULL, claimed_by = NULL
WHERE issue_id = ? AND subscriber_id = ? AND lease_id = ?;
`, c.task.IssueID, c.task.SubscriberID, c.leaseID)
			return err
		}

		if _, err := conn.ExecContext(ctx, `
DELETE FROM delivery_tasks WHERE issue_id = ? AND subscriber_id = ? AND lease_id = ?;
`, c.task.IssueID, c.task.SubscriberID, c.leaseID); err != nil {
			return err
		}
		updated, err := conn.ExecContext(ctx, `
UPDATE issues SET
  finished_n_tasks = finished_n_tasks + 1,
  status = CASE WHEN finished_n_tasks + 1 >= required_n_tasks THEN 'COMPLETED' ELSE status END
WHERE id = ? AND finished_n_tasks < required_n_tasks;
`, c.task.IssueID)
		if err != nil {
			return err
		}
		if n, err := updated.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("issue %q: finished task count would exceed required", c.task.IssueID)
		}

		if res.Outcome == OutcomeDropped {
			if _, err := conn.ExecContext(ctx, `
INSERT OR REPLACE INTO dead_letters (issue_id, subscriber_id, address, reason, attempts, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, c.task.IssueID, c.task.SubscriberID, c.task.Address, res.Reason, c.task.Attempt, nullIfEmpty(res.LastError), now.UnixNano()); err != nil {
				return err
			}
		}
		out, err = sqliteProgress(ctx, conn, c.task.IssueID)
		return err
	})
	if err != nil {
		c.releaseAfterFailure(err)
		return Progress{}, err
	}
	if expired {
		return Progress{}, ErrLeaseExpired
	}
	return out, nil
}

func (c *sqliteClaim) Release(ctx context.Context, delay time.Duration, lastErr string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	if delay < 0 {
		delay = 0
	}
	s := c.store
	next := s.nowFn().Add(delay)
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
UPDATE delivery_tasks SET
  n_retries = n_retries + 1,
  execute_after = ?,
  last_error = ?,
  lease_id = NULL, lease_until = NULL, claimed_by = NULL
WHERE issue_id = ? AND subscriber_id = ? AND lease_id = ?;
`, next.UnixNano(), nullIfEmpty(lastErr), c.task.IssueID, c.task.SubscriberID, c.leaseID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseNotFound
		}
		return nil
	})
	if err != nil {
		c.releaseAfterFailure(err)
	}
	return err
}

// Abandon clears the lease so the task is claimable at once. A crashed
// process never gets here; its lease simply runs out.
func (c *sqliteClaim) Abandon() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	return c.clearLease()
}

// clearLease drops this claim's lease on its own short context, so it also
// works after the caller's context is gone.
func (c *sqliteClaim) clearLease() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
UPDATE delivery_tasks SET lease_id = NULL, lease_until = NULL, claimed_by = NULL
WHERE issue_id = ? AND subscriber_id = ? AND lease_id = ?;
`, c.task.IssueID, c.task.SubscriberID, c.leaseID)
		return err
	})
}

// releaseAfterFailure hands the task back when a resolve transaction failed
// for a reason other than a lost lease. Otherwise it would sit out the lease.
func (c *sqliteClaim) releaseAfterFailure(err error) {
	if errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrLeaseExpired) {
		return
	}
	_ = c.clearLease()
}

// checkLease reports whether the task still carries this claim's lease and
// whether that lease is live at now.
func (c *sqliteClaim) checkLease(ctx context.Context, conn *sql.Conn, now time.Time) (bool, bool, error) {
	var (
		leaseID    sql.NullString
		leaseUntil sql.NullInt64
	)
	err := conn.QueryRowContext(ctx, `
SELECT lease_id, lease_until FROM delivery_tasks WHERE issue_id = ? AND subscriber_id = ?;
`, c.task.IssueID, c.task.SubscriberID).Scan(&leaseID, &leaseUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if !leaseID.Valid || leaseID.String != c.leaseID {
		return false, false, nil
	}
	return true, leaseUntil.Valid && leaseUntil.Int64 > now.UnixNano(), nil
}

func mapSQLitePublishError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrAlreadyPublished
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
