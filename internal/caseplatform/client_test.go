package caseplatform

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
	client, err := NewHTTPClient(server.URL, "test-key", server.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestGetCaseIDsByFilterSendsRequest(t *testing.T) {
	var gotReq caseFilterRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("AppKey"); got != "test-key" {
			t.Errorf("AppKey = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"caseIds": []string{"7", "9"}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ids, err := client.GetCaseIDsByFilter(context.Background(), CaseFilter{
		Statuses:      []string{"open"},
		Tag:           "ticket-sync",
		UpdatedFrom:   from,
		SortAscending: true,
		MaxResults:    100,
	})
	if err != nil {
		t.Fatalf("GetCaseIDsByFilter: %v", err)
	}
	if len(ids) != 2 || ids[0] != "7" || ids[1] != "9" {
		t.Fatalf("ids = %v", ids)
	}
	if gotReq.Tag != "ticket-sync" || gotReq.SortOrder != "asc" || gotReq.MaxResults != 100 {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotReq.UpdatedFromMs != from.UnixMilli() {
		t.Fatalf("UpdatedFromMs = %d, want %d", gotReq.UpdatedFromMs, from.UnixMilli())
	}
}

func TestGetCaseOverviewDecodesTimestamps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "7", "status": "open", "tags": []string{"ticket-sync"},
			"startTimeMs":        int64(1714557600000),
			"modificationTimeMs": int64(1714561200000),
			"alerts": []map[string]any{
				{"id": "a1", "identifier": "ALERT-1", "groupId": "g1"},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	overview, err := client.GetCaseOverview(context.Background(), "7")
	if err != nil {
		t.Fatalf("GetCaseOverview: %v", err)
	}
	if overview.ID != "7" || overview.Status != "open" {
		t.Fatalf("overview = %+v", overview)
	}
	if want := time.UnixMilli(1714561200000).UTC(); !overview.ModificationTime.Equal(want) {
		t.Fatalf("ModificationTime = %v, want %v", overview.ModificationTime, want)
	}
	if len(overview.Alerts) != 1 || overview.Alerts[0].Identifier != "ALERT-1" {
		t.Fatalf("alerts = %+v", overview.Alerts)
	}
}

func TestGetContextPropertyMissingIsNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	value, ok, err := client.GetContextProperty(context.Background(), ScopeCase, "7", "ticket_id")
	if err != nil {
		t.Fatalf("GetContextProperty: %v", err)
	}
	if ok || value != "" {
		t.Fatalf("value = %q, ok = %v", value, ok)
	}
}

func TestGetContextPropertyScopePath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"value": "INC100,INC101"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	value, ok, err := client.GetContextProperty(context.Background(), ScopeAlert, "a1", "ticket_id")
	if err != nil {
		t.Fatalf("GetContextProperty: %v", err)
	}
	if !ok || value != "INC100,INC101" {
		t.Fatalf("value = %q, ok = %v", value, ok)
	}
	if gotPath != "/context/alert/a1/ticket_id" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestSaveAttachmentToCasePostsContent(t *testing.T) {
	var gotBody []byte
	var gotName, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("name")
		gotType = r.URL.Query().Get("fileType")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	err := client.SaveAttachmentToCase(context.Background(), "7", "evidence", ".txt", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("SaveAttachmentToCase: %v", err)
	}
	if string(gotBody) != "payload" || gotName != "evidence" || gotType != ".txt" {
		t.Fatalf("body = %q, name = %q, type = %q", gotBody, gotName, gotType)
	}
}

func TestClientRetriesOnTooMany(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"caseIds": []string{}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.GetCaseIDsByFilter(context.Background(), CaseFilter{}); err != nil {
		t.Fatalf("GetCaseIDsByFilter: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "no access"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	err := client.AddComment(context.Background(), "7", "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As APIError = false, err = %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "no access" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestJobContextStoreRoundTrip(t *testing.T) {
	values := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/jobs/sync/context/")
		switch r.Method {
		case http.MethodGet:
			value, ok := values[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
		case http.MethodPut:
			var body struct {
				Value string `json:"value"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			values[key] = body.Value
		case http.MethodDelete:
			delete(values, key)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	store := NewJobContextStore(client)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "sync", "last_success"); err != nil || ok {
		t.Fatalf("Get before Set: ok = %v, err = %v", ok, err)
	}
	if err := store.Set(ctx, "sync", "last_success", "12345"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := store.Get(ctx, "sync", "last_success")
	if err != nil || !ok || value != "12345" {
		t.Fatalf("Get = %q, %v, %v", value, ok, err)
	}
	if err := store.Delete(ctx, "sync", "last_success"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "sync", "last_success"); ok {
		t.Fatal("value survived delete")
	}
}
