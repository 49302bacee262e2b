package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/svcgate/svcgate/api"
)

func TestRemoteCheckAllow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/check" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var attrs api.RequestAttributes
		if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
			t.Errorf("decoding attributes: %v", err)
		}
		if attrs.CallerID != "key:abc" {
			t.Errorf("expected caller key:abc, got %q", attrs.CallerID)
		}
		json.NewEncoder(w).Encode(api.Allow())
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	res, err := client.Check(context.Background(), attrsFor("GET", "/v1/books", "key:abc"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed() {
		t.Errorf("expected allow, got %+v", res)
	}
}

func TestRemoteCheckDeny(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Deny(http.StatusPaymentRequired, "plan expired"))
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	res, err := client.Check(context.Background(), attrsFor("GET", "/v1/books", "key:abc"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != api.DecisionDeny {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Code != http.StatusPaymentRequired || res.Message != "plan expired" {
		t.Errorf("deny details lost: %+v", res)
	}
}

func TestRemoteCheckServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	if _, err := client.Check(context.Background(), attrsFor("GET", "/v1/books", "")); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRemoteCheckRejectsUnknownDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"maybe"}`))
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	if _, err := client.Check(context.Background(), attrsFor("GET", "/v1/books", "")); err == nil {
		t.Fatal("expected error for unknown decision value")
	}
}

func TestRemoteCheckUnreachable(t *testing.T) {
	client := NewRemoteClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := client.Check(context.Background(), attrsFor("GET", "/v1/books", "")); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestRemoteReport(t *testing.T) {
	var mu sync.Mutex
	var got *api.UsageReport
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/report" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var rep api.UsageReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			t.Errorf("decoding report: %v", err)
		}
		mu.Lock()
		got = &rep
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	err := client.Report(context.Background(), &api.UsageReport{
		OperationID: "op-1",
		Outcome:     api.OutcomeAllowed,
		RequestSize: 42,
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.OperationID != "op-1" || got.RequestSize != 42 {
		t.Errorf("report not delivered intact: %+v", got)
	}
}

func TestRemoteReportRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, time.Second)
	if err := client.Report(context.Background(), &api.UsageReport{OperationID: "op"}); err == nil {
		t.Fatal("expected error for rejected report")
	}
}
