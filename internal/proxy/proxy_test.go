package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
	"github.com/svcgate/svcgate/internal/decision"
	"github.com/svcgate/svcgate/internal/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeDecision is a scripted decision client. If block is non-nil, Check
// waits for it before answering, letting tests hold a request in the
// pending state.
type fakeDecision struct {
	mu      sync.Mutex
	checks  int
	result  *api.CheckResult
	err     error
	block   chan struct{}
	reports []*api.UsageReport
}

func (c *fakeDecision) Check(ctx context.Context, _ *api.RequestAttributes) (*api.CheckResult, error) {
	c.mu.Lock()
	c.checks++
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.result, c.err
}

func (c *fakeDecision) Report(_ context.Context, rep *api.UsageReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, rep)
	return nil
}

func (c *fakeDecision) checkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

// testGateway wires a proxy server in front of backend with the given
// decision client and extra config lines.
func testGateway(t *testing.T, backendURL string, client decision.Client, extraConfig string) (*Server, *report.Reporter, *fakeDecision) {
	t.Helper()

	yaml := fmt.Sprintf(`
version: 1
settings:
  backend_address: %q
  check:
    mode: rules
%s`, backendURL, extraConfig)

	cfg, err := config.LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}

	sink, _ := client.(*fakeDecision)
	reporter := report.NewReporter(client, nil, 16, testLogger())
	t.Cleanup(reporter.Close)

	invoker := decision.NewInvoker(client, time.Second, testLogger())
	srv, err := NewServer(cfg, invoker, reporter, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return srv, reporter, sink
}

func TestProxyAllowForwardsRequest(t *testing.T) {
	var gotMu sync.Mutex
	var gotBody string
	var gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMu.Lock()
		gotBody = string(body)
		gotHeader = r.Header.Get("X-Api-Key")
		gotMu.Unlock()
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	client := &fakeDecision{result: api.Allow()}
	srv, reporter, _ := testGateway(t, backend.URL, client, "")
	gw := httptest.NewServer(srv)
	defer gw.Close()

	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/books", strings.NewReader(`{"title":"go"}`))
	req.Header.Set("X-Api-Key", "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	respBody, _ := io.ReadAll(resp.Body)
	if string(respBody) != "created" {
		t.Errorf("response body = %q", respBody)
	}

	gotMu.Lock()
	defer gotMu.Unlock()
	if gotBody != `{"title":"go"}` {
		t.Errorf("backend received body %q", gotBody)
	}
	if gotHeader != "abc" {
		t.Errorf("backend received api key %q", gotHeader)
	}

	reporter.Close()
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.reports) != 1 || client.reports[0].Outcome != api.OutcomeAllowed {
		t.Errorf("expected one allowed report, got %+v", client.reports)
	}
}

func TestProxyDenyNeverReachesBackend(t *testing.T) {
	var hits int32
	var hitsMu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsMu.Lock()
		hits++
		hitsMu.Unlock()
	}))
	defer backend.Close()

	client := &fakeDecision{result: api.Deny(http.StatusForbidden, "quota exceeded")}
	srv, reporter, _ := testGateway(t, backend.URL, client, "")
	gw := httptest.NewServer(srv)
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/v1/books", "application/json", strings.NewReader(`{"title":"go"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "quota exceeded") {
		t.Errorf("rejection body = %q", body)
	}

	hitsMu.Lock()
	defer hitsMu.Unlock()
	if hits != 0 {
		t.Errorf("backend hit %d times for a denied request", hits)
	}

	reporter.Close()
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.reports) != 1 || client.reports[0].Outcome != api.OutcomeDenied {
		t.Errorf("expected one denied report, got %+v", client.reports)
	}
}

func TestProxyCheckErrorFailsClosed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend reached despite check failure")
	}))
	defer backend.Close()

	client := &fakeDecision{err: fmt.Errorf("decision service down")}
	srv, _, _ := testGateway(t, backend.URL, client, "")
	gw := httptest.NewServer(srv)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/v1/books")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProxySkipRouteBypassesCheck(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer backend.Close()

	// Client would deny everything, but the route opts out of checking.
	client := &fakeDecision{result: api.Deny(http.StatusForbidden, "no")}
	srv, _, _ := testGateway(t, backend.URL, client, `routes:
  - name: health
    match:
      path_prefix: /status
    skip_check: true
`)
	gw := httptest.NewServer(srv)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/status/live")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if client.checkCount() != 0 {
		t.Errorf("check called %d times on a skip route", client.checkCount())
	}
}

func TestProxyBuffersBodyWhilePending(t *testing.T) {
	var gotMu sync.Mutex
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMu.Lock()
		gotBody = string(body)
		gotMu.Unlock()
	}))
	defer backend.Close()

	block := make(chan struct{})
	client := &fakeDecision{result: api.Allow(), block: block}
	srv, _, _ := testGateway(t, backend.URL, client, "")
	gw := httptest.NewServer(srv)
	defer gw.Close()

	// Release the decision only after the request has been in flight long
	// enough for the whole body to arrive.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(block)
	}()

	resp, err := http.Post(gw.URL+"/v1/books", "text/plain", strings.NewReader("held until allowed"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	gotMu.Lock()
	defer gotMu.Unlock()
	if gotBody != "held until allowed" {
		t.Errorf("backend received body %q", gotBody)
	}
}

func TestProxyDenyRespondsWhileBodyStalled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend reached for a denied request")
	}))
	defer backend.Close()

	client := &fakeDecision{result: api.Deny(http.StatusForbidden, "no")}
	srv, _, _ := testGateway(t, backend.URL, client, "")
	gw := httptest.NewServer(srv)
	defer gw.Close()

	// Send headers and a partial chunked body, then stall without ever
	// finishing the request. The rejection must still come back.
	pr, pw := io.Pipe()
	defer pw.Close()
	go io.WriteString(pw, "first half of the body")

	req, err := http.NewRequest(http.MethodPost, gw.URL+"/v1/books", pr)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		defer res.resp.Body.Close()
		if res.resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", res.resp.StatusCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rejection held back by the unfinished request body")
	}
}

func TestProxyRejectsWhenBackendMissing(t *testing.T) {
	cfg, err := config.LoadBytes([]byte("version: 1\nsettings:\n  check:\n    mode: rules\n"))
	if err != nil {
		t.Fatal(err)
	}
	invoker := decision.NewInvoker(&fakeDecision{result: api.Allow()}, time.Second, testLogger())
	reporter := report.NewReporter(nil, nil, 4, testLogger())
	defer reporter.Close()

	if _, err := NewServer(cfg, invoker, reporter, testLogger()); err == nil {
		t.Fatal("expected error for missing backend_address")
	}
}
