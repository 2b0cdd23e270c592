package progressapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nuetzliches/newsletterd/internal/queue"
)

type HTTPServer struct {
	Service   *Service
	Authorize func(r *http.Request) bool

	mux *http.ServeMux
}

func NewHTTPServer(svc *Service) *HTTPServer {
	s := &HTTPServer{Service: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /issues/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /dead-letters", s.handleDeadLetters)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux = mux
	return s
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed, "method must be GET")
		return
	}
	if r.URL.Path != "/healthz" && s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "request is not authorized")
		return
	}
	if _, pattern := s.mux.Handler(r); pattern == "" {
		writeError(w, http.StatusNotFound, errNotFound, "resource not found")
		return
	}
	s.mux.ServeHTTP(w, r)
}

type progressResponse struct {
	IssueID        string `json:"issue_id"`
	Status         string `json:"status"`
	RequiredTasks  int    `json:"required_n_tasks"`
	FinishedTasks  int    `json:"finished_n_tasks"`
	RemainingTasks int    `json:"remaining_n_tasks"`
	DroppedTasks   int    `json:"dropped_n_tasks"`
}

func toProgressResponse(p queue.Progress) progressResponse {
	return progressResponse{
		IssueID:        p.IssueID,
		Status:         statusLabel(p.Status),
		RequiredTasks:  p.RequiredTasks,
		FinishedTasks:  p.FinishedTasks,
		RemainingTasks: p.RemainingTasks,
		DroppedTasks:   p.DroppedTasks,
	}
}

func statusLabel(status queue.IssueStatus) string {
	if status == queue.StatusUnpublished {
		return "UNPUBLISHED"
	}
	return string(status)
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, opErr := s.Service.IssueProgress(r.Context(), r.PathValue("id"))
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, toProgressResponse(p))
}

type taskItem struct {
	IssueID      string     `json:"issue_id"`
	SubscriberID string     `json:"subscriber_id"`
	Attempt      int        `json:"attempt"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ExecuteAfter time.Time  `json:"execute_after"`
	LastError    string     `json:"last_error,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
}

type taskListResponse struct {
	Items []taskItem `json:"items"`
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	resp, opErr := s.Service.ListTasks(r.Context(), queue.TaskListRequest{
		IssueID: r.URL.Query().Get("issue_id"),
		Limit:   limit,
	})
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	out := taskListResponse{Items: make([]taskItem, 0, len(resp.Items))}
	for _, t := range resp.Items {
		item := taskItem{
			IssueID:      t.IssueID,
			SubscriberID: t.SubscriberID,
			Attempt:      t.Attempt,
			EnqueuedAt:   t.EnqueuedAt,
			ExecuteAfter: t.ExecuteAfter,
			LastError:    t.LastError,
			ClaimedBy:    t.ClaimedBy,
		}
		if !t.LeaseUntil.IsZero() {
			until := t.LeaseUntil
			item.LeaseUntil = &until
		}
		out.Items = append(out.Items, item)
	}
	writeJSON(w, http.StatusOK, out)
}

type deadLetterItem struct {
	IssueID      string    `json:"issue_id"`
	SubscriberID string    `json:"subscriber_id"`
	Address      string    `json:"address"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type deadLetterListResponse struct {
	Items []deadLetterItem `json:"items"`
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	resp, opErr := s.Service.ListDeadLetters(r.Context(), queue.DeadLetterListRequest{
		IssueID: r.URL.Query().Get("issue_id"),
		Limit:   limit,
	})
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	out := deadLetterListResponse{Items: make([]deadLetterItem, 0, len(resp.Items))}
	for _, d := range resp.Items {
		out.Items = append(out.Items, deadLetterItem{
			IssueID:      d.IssueID,
			SubscriberID: d.SubscriberID,
			Address:      d.Address,
			Reason:       d.Reason,
			Attempts:     d.Attempts,
			LastError:    d.LastError,
			CreatedAt:    d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, errInvalidArgument, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeOpError(w http.ResponseWriter, opErr *OpError) {
	writeError(w, opErr.StatusCode, opErr.Code, opErr.Detail)
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
