package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps issues, subscribers and tasks in process memory. Each
// task carries a lock token while claimed; nothing survives a restart.
type MemoryStore struct {
	mu          sync.Mutex
	nowFn       func() time.Time
	issues      map[string]*Issue
	subscribers map[string]Subscriber
	subOrder    []string
	tasks       map[taskKey]*memoryTask
	order       []taskKey
	deadLetters []DeadLetter
	seq         atomic.Uint64
}

type taskKey struct {
	issueID      string
	subscriberID string
}

type memoryTask struct {
	task     Task
	nRetries int
	lockedBy string
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:       time.Now,
		issues:      make(map[string]*Issue),
		subscribers: make(map[string]Subscriber),
		tasks:       make(map[taskKey]*memoryTask),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveIssue(_ context.Context, issue Issue) error {
	if err := validateIssueID(issue.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.issues[issue.ID]
	if ok && existing.Status != StatusUnpublished {
		return ErrIssueImmutable
	}
	stored := Issue{
		ID:          issue.ID,
		Title:       issue.Title,
		TextContent: issue.TextContent,
		HTMLContent: issue.HTMLContent,
		PublishedAt: issue.PublishedAt,
	}
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = s.nowFn()
	}
	s.issues[issue.ID] = &stored
	return nil
}

func (s *MemoryStore) GetIssue(_ context.Context, id string) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return Issue{}, ErrIssueNotFound
	}
	return *issue, nil
}

func (s *MemoryStore) UpsertSubscriber(_ context.Context, sub Subscriber) error {
	if err := validateSubscriber(sub); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertSubscriberLocked(sub)
	return nil
}

func (s *MemoryStore) upsertSubscriberLocked(sub Subscriber) {
	if _, ok := s.subscribers[sub.ID]; !ok {
		s.subOrder = append(s.subOrder, sub.ID)
	}
	s.subscribers[sub.ID] = sub
}

func (s *MemoryStore) Publish(_ context.Context, req PublishRequest) (Progress, error) {
	if err := validateIssueID(req.Issue.ID); err != nil {
		return Progress{}, err
	}
	for _, sub := range req.Subscribers {
		if err := validateSubscriber(sub); err != nil {
			return Progress{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	issue, ok := s.issues[req.Issue.ID]
	if ok && issue.Status != StatusUnpublished {
		return Progress{}, ErrAlreadyPublished
	}
	merged := mergeIssueContent(issue, req.Issue, now)

	for _, sub := range req.Subscribers {
		s.upsertSubscriberLocked(sub)
	}
	audience := confirmedAudience(req.Subscribers)
	if req.Subscribers == nil {
		audience = audience[:0]
		for _, id := range s.subOrder {
			if sub := s.subscribers[id]; sub.Confirmed() {
				audience = append(audience, sub)
			}
		}
	}

	for _, sub := range audience {
		key := taskKey{issueID: merged.ID, subscriberID: sub.ID}
		s.tasks[key] = &memoryTask{task: Task{
			IssueID:      merged.ID,
			SubscriberID: sub.ID,
			Address:      sub.Address,
			Attempt:      1,
			EnqueuedAt:   now,
			ExecuteAfter: now,
		}}
		s.order = append(s.order, key)
	}

	merged.RequiredTasks = len(audience)
	merged.FinishedTasks = 0
	merged.Status = statusFor(merged.RequiredTasks, 0)
	s.issues[merged.ID] = &merged
	return s.progressLocked(merged.ID)
}

func (s *MemoryStore) Claim(_ context.Context, req ClaimRequest) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	s.compactOrderLocked()
	for _, key := range s.order {
		mt := s.tasks[key]
		if mt.lockedBy != "" || mt.task.ExecuteAfter.After(now) {
			continue
		}
		token := fmt.Sprintf("mem_%d", s.seq.Add(1))
		mt.lockedBy = token
		task := mt.task
		task.Attempt = mt.nRetries + 1
		task.ClaimedBy = req.WorkerID
		if sub, ok := s.subscribers[key.subscriberID]; ok {
			task.Address = sub.Address
		}
		var issue Issue
		if is, ok := s.issues[key.issueID]; ok {
			issue = *is
		}
		return &memoryClaim{store: s, key: key, token: token, task: task, issue: issue}, nil
	}
	return nil, ErrQueueEmpty
}

// compactOrderLocked drops keys whose tasks have already been resolved.
func (s *MemoryStore) compactOrderLocked() {
	kept := s.order[:0]
	for _, key := range s.order {
		if _, ok := s.tasks[key]; ok {
			kept = append(kept, key)
		}
	}
	s.order = kept
}

func (s *MemoryStore) Progress(_ context.Context, issueID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked(issueID)
}

func (s *MemoryStore) progressLocked(issueID string) (Progress, error) {
	issue, ok := s.issues[issueID]
	if !ok {
		return Progress{}, ErrIssueNotFound
	}
	out := Progress{
		IssueID:       issue.ID,
		Status:        issue.Status,
		RequiredTasks: issue.RequiredTasks,
		FinishedTasks: issue.FinishedTasks,
	}
	for key := range s.tasks {
		if key.issueID == issueID {
			out.RemainingTasks++
		}
	}
	for _, dl := range s.deadLetters {
		if dl.IssueID == issueID {
			out.DroppedTasks++
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, req TaskListRequest) (TaskListResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := normalizeLimit(req.Limit)
	s.compactOrderLocked()
	out := TaskListResponse{}
	for _, key := range s.order {
		if req.IssueID != "" && key.issueID != req.IssueID {
			continue
		}
		mt := s.tasks[key]
		task := mt.task
		task.Attempt = mt.nRetries + 1
		out.Items = append(out.Items, task)
		if len(out.Items) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, req DeadLetterListRequest) (DeadLetterListResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := normalizeLimit(req.Limit)
	out := DeadLetterListResponse{}
	for _, dl := range s.deadLetters {
		if req.IssueID != "" && dl.IssueID != req.IssueID {
			continue
		}
		out.Items = append(out.Items, dl)
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		return out.Items[i].CreatedAt.After(out.Items[j].CreatedAt)
	})
	if len(out.Items) > limit {
		out.Items = out.Items[:limit]
	}
	return out, nil
}

type memoryClaim struct {
	store  *MemoryStore
	key    taskKey
	token  string
	task   Task
	issue  Issue
	closed atomic.Bool
}

func (c *memoryClaim) Task() Task { return c.task }

func (c *memoryClaim) Issue() Issue { return c.issue }

func (c *memoryClaim) Complete(_ context.Context, res Resolution) (Progress, error) {
	if !c.closed.CompareAndSwap(false, true) {
		return Progress{}, ErrClaimClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tasks[c.key]
	if !ok || mt.lockedBy != c.token {
		return Progress{}, ErrLeaseNotFound
	}
	issue, ok := s.issues[c.key.issueID]
	if !ok {
		return Progress{}, ErrIssueNotFound
	}
	if issue.FinishedTasks >= issue.RequiredTasks {
		return Progress{}, errors.New("finished task count would exceed required")
	}

	delete(s.tasks, c.key)
	issue.FinishedTasks++
	issue.Status = statusFor(issue.RequiredTasks, issue.FinishedTasks)
	if res.Outcome == OutcomeDropped {
		s.deadLetters = append(s.deadLetters, DeadLetter{
			IssueID:      c.key.issueID,
			SubscriberID: c.key.subscriberID,
			Address:      c.task.Address,
			Reason:       res.Reason,
			Attempts:     c.task.Attempt,
			LastError:    res.LastError,
			CreatedAt:    s.nowFn(),
		})
	}
	return s.progressLocked(c.key.issueID)
}

func (c *memoryClaim) Release(_ context.Context, delay time.Duration, lastErr string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tasks[c.key]
	if !ok || mt.lockedBy != c.token {
		return ErrLeaseNotFound
	}
	if delay < 0 {
		delay = 0
	}
	mt.lockedBy = ""
	mt.nRetries++
	mt.task.ExecuteAfter = s.nowFn().Add(delay)
	mt.task.LastError = lastErr
	return nil
}

func (c *memoryClaim) Abandon() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClaimClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if mt, ok := s.tasks[c.key]; ok && mt.lockedBy == c.token {
		mt.lockedBy = ""
	}
	return nil
}

func validateSubscriber(sub Subscriber) error {
	if sub.ID == "" {
		return errors.New("subscriber id is required")
	}
	switch sub.Status {
	case SubscriberConfirmed, SubscriberPending:
		return nil
	default:
		return fmt.Errorf("subscriber %q: invalid status %q", sub.ID, sub.Status)
	}
}

// confirmedAudience returns the confirmed subscribers of a snapshot in first
// occurrence order. A repeated id takes its last record, matching upsert.
func confirmedAudience(subs []Subscriber) []Subscriber {
	latest := make(map[string]Subscriber, len(subs))
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		if _, ok := latest[sub.ID]; !ok {
			ids = append(ids, sub.ID)
		}
		latest[sub.ID] = sub
	}
	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		if sub := latest[id]; sub.Confirmed() {
			out = append(out, sub)
		}
	}
	return out
}

// mergeIssueContent overlays the non-empty content fields of incoming onto
// existing, which may be nil for an issue the store has never seen.
func mergeIssueContent(existing *Issue, incoming Issue, now time.Time) Issue {
	out := Issue{ID: incoming.ID}
	if existing != nil {
		out = *existing
	}
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.TextContent != "" {
		out.TextContent = incoming.TextContent
	}
	if incoming.HTMLContent != "" {
		out.HTMLContent = incoming.HTMLContent
	}
	if !incoming.PublishedAt.IsZero() {
		out.PublishedAt = incoming.PublishedAt
	}
	if out.PublishedAt.IsZero() {
		out.PublishedAt = now
	}
	return out
}
