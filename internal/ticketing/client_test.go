package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, server *httptest.Server) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(server.URL, "user", "secret", HTTPClientOptions{HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestGetTicketsBuildsQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "user" || pass != "secret" {
			t.Errorf("basic auth = %q/%q, ok=%v", user, pass, ok)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("missing correlation header")
		}
		gotQuery = r.URL.Query().Get("sysparm_query")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"number": "INC100", "sys_id": "abc", "short_description": "boom"},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tickets, err := client.GetTickets(context.Background(), []string{"INC100", "INC101"}, since)
	if err != nil {
		t.Fatalf("GetTickets: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	if tickets[0].Number != "INC100" || tickets[0].SysID != "abc" {
		t.Fatalf("ticket = %+v", tickets[0])
	}
	want := "number=INC100^ORnumber=INC101^sys_updated_on>=2024-05-01 12:00:00^ORsys_created_on>=2024-05-01 12:00:00"
	if gotQuery != want {
		t.Fatalf("sysparm_query = %q, want %q", gotQuery, want)
	}
}

func TestGetTicketsNoFiltersOmitsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("sysparm_query") {
			t.Errorf("unexpected sysparm_query %q", r.URL.Query().Get("sysparm_query"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	tickets, err := client.GetTickets(context.Background(), nil, time.Time{})
	if err != nil {
		t.Fatalf("GetTickets: %v", err)
	}
	if len(tickets) != 0 {
		t.Fatalf("got %d tickets, want 0", len(tickets))
	}
}

func TestGetCommentsParsesJournal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sys_journal_field") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("element_id"); got != "abc" {
			t.Errorf("element_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"sys_id": "j1", "value": "hello", "sys_created_on": "2024-05-01 10:30:00"},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	comments, err := client.GetComments(context.Background(), "abc", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetComments: %v", err)
	}
	if len(comments) != 1 || comments[0].Value != "hello" {
		t.Fatalf("comments = %+v", comments)
	}
	want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	if !comments[0].CreatedOn.Equal(want) {
		t.Fatalf("CreatedOn = %v, want %v", comments[0].CreatedOn, want)
	}
}

func TestAddAttachmentPostsRawBody(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotFileName string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		gotContentType = r.Header.Get("Content-Type")
		gotFileName = r.URL.Query().Get("file_name")
		if got := r.URL.Query().Get("table_sys_id"); got != "abc" {
			t.Errorf("table_sys_id = %q", got)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	err := client.AddAttachment(context.Background(), "abc", "evidence.txt", strings.NewReader("payload"), "text/plain")
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("body = %q", gotBody)
	}
	if gotContentType != "text/plain" || gotFileName != "evidence.txt" {
		t.Fatalf("content-type = %q, file_name = %q", gotContentType, gotFileName)
	}
}

func TestDoRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.GetTickets(context.Background(), nil, time.Time{}); err != nil {
		t.Fatalf("GetTickets: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDoReturnsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "No Record found"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetComments(context.Background(), "missing", time.Time{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(err, ErrNotFound) = false, err = %v", err)
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("errors.As NotFoundError = false, err = %v", err)
	}
}

func TestDoSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Insufficient rights", "detail": "role required"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	err := client.AddComment(context.Background(), "INC100", "hello")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("errors.As HTTPError = false, err = %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "Insufficient rights" {
		t.Fatalf("httpErr = %+v", httpErr)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("parseRetryAfter(2) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("parseRetryAfter(garbage) = %v", got)
	}
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	client := &HTTPClient{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("retryDelay(1) = %v", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("retryDelay(10) = %v", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("retryDelay with large Retry-After = %v", got)
	}
}
