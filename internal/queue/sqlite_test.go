package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newSQLiteStoreForTest(t *testing.T, now func() time.Time) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "newsletterd.db")
	s, err := NewSQLiteStore(dbPath, WithSQLiteNowFunc(now))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_JournalModeIsWAL(t *testing.T) {
	s := newSQLiteStoreForTest(t, time.Now)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLiteStore_SchemaVersionRecorded(t *testing.T) {
	s := newSQLiteStoreForTest(t, time.Now)

	var v int
	if err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if v != SchemaVersion {
		t.Fatalf("schema_version=%d, want %d", v, SchemaVersion)
	}
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSQLiteStore_ReopenKeepsQueue(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	dbPath := filepath.Join(t.TempDir(), "newsletterd.db")

	s, err := NewSQLiteStore(dbPath, WithSQLiteNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Publish(context.Background(), PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(2)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Claimed but never resolved, as if the process died.
	if _, err := s.Claim(context.Background(), ClaimRequest{WorkerID: "w1", LeaseTTL: 30 * time.Second}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	now = now.Add(31 * time.Second)
	s, err = NewSQLiteStore(dbPath, WithSQLiteNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		c, err := s.Claim(context.Background(), ClaimRequest{WorkerID: "w2", LeaseTTL: 30 * time.Second})
		if err != nil {
			t.Fatalf("claim after restart %d: %v", i, err)
		}
		seen[c.Task().SubscriberID] = true
		if _, err := c.Complete(context.Background(), Resolution{Outcome: OutcomeDelivered}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("claimed subscribers=%v, want both", seen)
	}
	p, err := s.Progress(context.Background(), "issue_1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != StatusCompleted || p.FinishedTasks != 2 {
		t.Fatalf("progress=%+v", p)
	}
}

func TestSQLiteStore_LiveLeaseIsSkipped(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newSQLiteStoreForTest(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Publish(ctx, PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !c.Task().LeaseUntil.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("lease_until=%v", c.Task().LeaseUntil)
	}

	now = now.Add(29 * time.Second)
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w2", LeaseTTL: 30 * time.Second}); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("claim under live lease err=%v, want ErrQueueEmpty", err)
	}

	tasks, err := s.ListTasks(ctx, TaskListRequest{IssueID: "issue_1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks.Items) != 1 || tasks.Items[0].ClaimedBy != "w1" {
		t.Fatalf("tasks=%+v, want one claimed by w1", tasks.Items)
	}
}

func TestSQLiteStore_CompleteAfterLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newSQLiteStoreForTest(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Publish(ctx, PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	now = now.Add(31 * time.Second)
	if _, err := c.Complete(ctx, Resolution{Outcome: OutcomeDelivered}); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("complete err=%v, want ErrLeaseExpired", err)
	}
	p, err := s.Progress(ctx, "issue_1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.FinishedTasks != 0 || p.RemainingTasks != 1 {
		t.Fatalf("progress=%+v, want nothing counted", p)
	}

	c2, err := s.Claim(ctx, ClaimRequest{WorkerID: "w2", LeaseTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if _, err := c2.Complete(ctx, Resolution{Outcome: OutcomeDelivered}); err != nil {
		t.Fatalf("complete reclaimed: %v", err)
	}
}

func TestSQLiteStore_StaleClaimCannotComplete(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newSQLiteStoreForTest(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Publish(ctx, PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stale, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(time.Minute)
	fresh, err := s.Claim(ctx, ClaimRequest{WorkerID: "w2", LeaseTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if _, err := stale.Complete(ctx, Resolution{Outcome: OutcomeDelivered}); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("stale complete err=%v, want ErrLeaseNotFound", err)
	}
	p, err := fresh.Complete(ctx, Resolution{Outcome: OutcomeDelivered})
	if err != nil {
		t.Fatalf("fresh complete: %v", err)
	}
	if p.FinishedTasks != 1 || p.Status != StatusCompleted {
		t.Fatalf("progress=%+v", p)
	}
}

func TestSQLiteStore_FailedCompleteReleasesLease(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newSQLiteStoreForTest(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Publish(ctx, PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseTTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Complete(cancelled, Resolution{Outcome: OutcomeDelivered})
	if err == nil || errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("complete err=%v, want a store error", err)
	}

	// Same instant: only a cleared lease makes the task claimable again.
	again, err := s.Claim(ctx, ClaimRequest{WorkerID: "w2", LeaseTTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("reclaim after failed complete: %v", err)
	}
	if again.Task().Attempt != 1 {
		t.Fatalf("attempt=%d, want 1", again.Task().Attempt)
	}
	p, err := again.Complete(ctx, Resolution{Outcome: OutcomeDelivered})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.FinishedTasks != 1 || p.Status != StatusCompleted {
		t.Fatalf("progress=%+v", p)
	}
}

func TestSQLiteStore_FailedReleaseReleasesLease(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newSQLiteStoreForTest(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Publish(ctx, PublishRequest{Issue: testIssue("issue_1"), Subscribers: testSubscribers(1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseTTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := c.Release(cancelled, time.Second, "timeout"); err == nil {
		t.Fatalf("expected release to fail on a cancelled context")
	}
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w2", LeaseTTL: 5 * time.Minute}); err != nil {
		t.Fatalf("reclaim after failed release: %v", err)
	}
}

func TestSQLiteStore_LegacySchemaUpgradeAndBackfill(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacySQLite(t, dbPath)

	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s, err := NewSQLiteStore(dbPath, WithSQLiteNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for id, want := range map[string]IssueStatus{
		"legacy_spaced":    StatusInProcess,
		"legacy_published": StatusInProcess,
		"legacy_null":      StatusInProcess,
		"draft":            StatusUnpublished,
	} {
		issue, err := s.GetIssue(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if issue.Status != want {
			t.Fatalf("%s status=%q, want %q", id, issue.Status, want)
		}
	}

	// Legacy work is not claimable until reconciled.
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1"}); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("claim before backfill err=%v, want ErrQueueEmpty", err)
	}

	report, err := s.BackfillLegacyIssues(ctx)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Reconciled != 3 || report.Completed != 1 || report.Available != 2 {
		t.Fatalf("report=%+v, want reconciled=3 completed=1 available=2", report)
	}

	cases := map[string]Progress{
		"legacy_spaced":    {Status: StatusAvailable, RequiredTasks: 2, RemainingTasks: 2},
		"legacy_published": {Status: StatusCompleted, RequiredTasks: 0, RemainingTasks: 0},
		"legacy_null":      {Status: StatusAvailable, RequiredTasks: 1, RemainingTasks: 1},
	}
	for id, want := range cases {
		p, err := s.Progress(ctx, id)
		if err != nil {
			t.Fatalf("progress %s: %v", id, err)
		}
		if p.Status != want.Status || p.RequiredTasks != want.RequiredTasks || p.FinishedTasks != 0 || p.RemainingTasks != want.RemainingTasks {
			t.Fatalf("%s progress=%+v, want %+v", id, p, want)
		}
	}

	again, err := s.BackfillLegacyIssues(ctx)
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if again.Reconciled != 0 {
		t.Fatalf("second backfill reconciled=%d, want 0", again.Reconciled)
	}

	for i := 0; i < 3; i++ {
		c, err := s.Claim(ctx, ClaimRequest{WorkerID: "w1"})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if _, err := c.Complete(ctx, Resolution{Outcome: OutcomeDelivered}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	for _, id := range []string{"legacy_spaced", "legacy_null"} {
		p, err := s.Progress(ctx, id)
		if err != nil {
			t.Fatalf("progress %s: %v", id, err)
		}
		if p.Status != StatusCompleted {
			t.Fatalf("%s status=%s, want COMPLETED", id, p.Status)
		}
	}
}

func seedLegacySQLite(t *testing.T, dbPath string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer db.Close()

	stmts := []string{
		schemaV1,
		`CREATE TABLE schema_migrations (version INTEGER NOT NULL);`,
		`INSERT INTO schema_migrations(rowid, version) VALUES (1, 1);`,
		`INSERT INTO subscribers (id, address, status) VALUES
		  ('sub_1', 'a@example.com', 'confirmed'),
		  ('sub_2', 'b@example.com', 'confirmed'),
		  ('sub_3', 'c@example.com', 'confirmed');`,
		`INSERT INTO issues (id, title, text_content, html_content, published_at, status) VALUES
		  ('legacy_spaced', 't', 'x', '<p>x</p>', 1, 'IN PROCESS'),
		  ('legacy_published', 't', 'x', '<p>x</p>', 2, 'PUBLISHED'),
		  ('legacy_null', 't', 'x', '<p>x</p>', 3, NULL),
		  ('draft', 't', 'x', '<p>x</p>', 4, NULL);`,
		`INSERT INTO delivery_tasks (issue_id, subscriber_id) VALUES
		  ('legacy_spaced', 'sub_1'),
		  ('legacy_spaced', 'sub_2'),
		  ('legacy_null', 'sub_3');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy: %v", err)
		}
	}
}
