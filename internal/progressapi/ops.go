// Package progressapi serves read-only delivery progress over HTTP and gRPC.
package progressapi

import (
	"context"
	"errors"
	"strings"

	"github.com/nuetzliches/newsletterd/internal/queue"
)

const (
	errInvalidArgument  = "invalid_argument"
	errUnauthorized     = "unauthorized"
	errIssueNotFound    = "issue_not_found"
	errNotFound         = "not_found"
	errMethodNotAllowed = "method_not_allowed"
	errStoreUnavailable = "store_unavailable"
)

// OpError is a transport-neutral operation error. StatusCode uses HTTP
// semantics and is mapped to gRPC codes by the gRPC server.
type OpError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return e.Detail
}

type Service struct {
	Store queue.Store
}

func NewService(store queue.Store) *Service {
	return &Service{Store: store}
}

func (s *Service) IssueProgress(ctx context.Context, issueID string) (queue.Progress, *OpError) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return queue.Progress{}, &OpError{StatusCode: 400, Code: errInvalidArgument, Detail: "issue id is required"}
	}
	p, err := s.Store.Progress(ctx, issueID)
	if err != nil {
		return queue.Progress{}, mapStoreError(err)
	}
	return p, nil
}

func (s *Service) ListTasks(ctx context.Context, req queue.TaskListRequest) (queue.TaskListResponse, *OpError) {
	if req.Limit < 0 {
		return queue.TaskListResponse{}, &OpError{StatusCode: 400, Code: errInvalidArgument, Detail: "limit must not be negative"}
	}
	resp, err := s.Store.ListTasks(ctx, req)
	if err != nil {
		return queue.TaskListResponse{}, mapStoreError(err)
	}
	return resp, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, req queue.DeadLetterListRequest) (queue.DeadLetterListResponse, *OpError) {
	if req.Limit < 0 {
		return queue.DeadLetterListResponse{}, &OpError{StatusCode: 400, Code: errInvalidArgument, Detail: "limit must not be negative"}
	}
	resp, err := s.Store.ListDeadLetters(ctx, req)
	if err != nil {
		return queue.DeadLetterListResponse{}, mapStoreError(err)
	}
	return resp, nil
}

func mapStoreError(err error) *OpError {
	if errors.Is(err, queue.ErrIssueNotFound) {
		return &OpError{StatusCode: 404, Code: errIssueNotFound, Detail: "issue not found"}
	}
	return &OpError{StatusCode: 503, Code: errStoreUnavailable, Detail: "queue store is unavailable"}
}
