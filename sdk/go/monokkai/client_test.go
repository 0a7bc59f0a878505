package monokkai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost", "://bad"} {
		if _, err := NewClient(raw, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestListExtensions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/extensions" || r.Method != http.MethodGet {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Extension{{Name: "greet", ABI: "go"}})
	})

	got, err := client.ListExtensions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Name != "greet" {
		t.Fatalf("unexpected extensions: %+v", got)
	}
}

func TestExecuteSendsArgsAndDecodesErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Args []string `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		switch r.URL.Path {
		case "/api/v1/extensions/greet/execute":
			if len(body.Args) != 2 || body.Args[0] != "--loud" {
				t.Fatalf("unexpected args: %v", body.Args)
			}
			_ = json.NewEncoder(w).Encode(ExecuteResult{Extension: "greet"})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"EXTENSION_NOT_FOUND","message":"extension \"nope\" not found","exit_code":127}}`))
		}
	})

	res, err := client.Execute(context.Background(), "greet", []string{"--loud", "ada"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Extension != "greet" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = client.Execute(context.Background(), "nope", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "EXTENSION_NOT_FOUND" || apiErr.ExitCode != 127 {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound should match")
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
	})
	_, err := client.ListExtensions(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "服务已关闭" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitAndWaitInvocation(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/invocations":
			var req InvocationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Invocation{ID: "inv-1", Extension: req.Extension, Args: req.Args, Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/invocations/inv-1":
			status := "running"
			if polls.Add(1) >= 3 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Invocation{ID: "inv-1", Status: status})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, err := client.SubmitInvocation(ctx, InvocationRequest{Extension: "greet", Args: []string{"x"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if inv.ID != "inv-1" || inv.Status != "pending" || inv.Done() {
		t.Fatalf("unexpected invocation: %+v", inv)
	}

	done, err := client.WaitInvocation(ctx, inv.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "succeeded" || polls.Load() != 3 {
		t.Fatalf("unexpected wait result: %+v after %d polls", done, polls.Load())
	}
}

func TestWaitInvocationHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Invocation{ID: "inv-1", Status: "running"})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := client.WaitInvocation(ctx, "inv-1", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestListQueryEncoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed,running" || q.Get("extension") != "greet" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("offset") {
			t.Fatalf("zero offset should be omitted")
		}
		if r.URL.Path == "/api/v1/invocations/stats" {
			_ = json.NewEncoder(w).Encode(InvocationStats{Total: 2, Failed: 1, Running: 1})
			return
		}
		_ = json.NewEncoder(w).Encode([]Invocation{{ID: "a"}, {ID: "b"}})
	})

	q := ListQuery{Statuses: []string{"failed", "running"}, Extension: "greet", Limit: 5, Ascending: true}
	items, err := client.ListInvocations(context.Background(), q)
	if err != nil || len(items) != 2 {
		t.Fatalf("list: %v %+v", err, items)
	}
	stats, err := client.InvocationStats(context.Background(), q)
	if err != nil || stats.Total != 2 {
		t.Fatalf("stats: %v %+v", err, stats)
	}
}
