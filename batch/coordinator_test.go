package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/cmsbatch/cmsapi"
	"github.com/hazyhaar/cmsbatch/ledger"
	"github.com/hazyhaar/cmsbatch/ratelimit"
	"github.com/hazyhaar/cmsbatch/token"
)

func testCoordinator(t *testing.T, handler http.Handler) (*Coordinator, *ledger.Ledger) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	guard := token.NewGuard(token.State{
		AccessToken: "test-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil, token.Options{})
	client := cmsapi.New(cmsapi.Config{
		BaseURL:     srv.URL,
		MaxRetries:  -1,
		BaseBackoff: 5 * time.Millisecond,
	}, guard, ratelimit.New(ratelimit.Options{Strategy: ratelimit.StrategyRetry}))
	led := ledger.New(ledger.NewMemoryStore(), ledger.Options{})
	return New(client, led, Config{}), led
}

func mustTitle(t *testing.T, resourceID, title string) Mutation {
	t.Helper()
	m, err := NewTitle(resourceID, title)
	if err != nil {
		t.Fatalf("new title: %v", err)
	}
	return m
}

func TestPartialFailureKeepsGoingAndLedgersSuccesses(t *testing.T) {
	c, led := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"title":"original"}`))
			return
		}
		if strings.Contains(r.URL.Path, "res-2") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"err":true,"code":400,"msg":"title rejected"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))

	job := Job{
		Operations: []Mutation{
			mustTitle(t, "res-1", "First"),
			mustTitle(t, "res-2", "Second"),
			mustTitle(t, "res-3", "Third"),
		},
		RollbackEnabled: true,
	}

	res, err := c.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("got succeeded=%d failed=%d, want 2/1", res.Succeeded, res.Failed)
	}
	if res.Success {
		t.Fatal("batch with one failure must not report success")
	}
	if len(res.Results) != 3 {
		t.Fatalf("got %d results, want 3: every operation gets a terminal result", len(res.Results))
	}
	if res.Results[1].Success || res.Results[1].Err == nil {
		t.Fatalf("second result should carry the failure: %+v", res.Results[1])
	}
	if res.RollbackID == "" {
		t.Fatal("rollback id missing despite RollbackEnabled")
	}

	log, err := led.Get(context.Background(), res.RollbackID)
	if err != nil || log == nil {
		t.Fatalf("change log not found: %v, %v", log, err)
	}
	if log.Status != ledger.StatusPartialFailure {
		t.Fatalf("got log status %q, want partial_failure", log.Status)
	}
	if log.TotalChanges != 2 {
		t.Fatalf("got %d change records, want 2 (failed op contributes none)", log.TotalChanges)
	}
	for _, rec := range log.Changes {
		if rec.Before != "original" {
			t.Fatalf("record %+v missing snapshot before-value", rec)
		}
		if rec.ResourceID == "res-2" {
			t.Fatal("failed operation must not be ledgered")
		}
	}
}

func TestProgressReportedInOrderWithTerminalEvent(t *testing.T) {
	c, _ := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	var events []Progress
	job := Job{Operations: []Mutation{
		mustTitle(t, "res-1", "A"),
		mustTitle(t, "res-2", "B"),
	}}
	if _, err := c.Run(context.Background(), job, func(p Progress) {
		events = append(events, p)
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d progress events, want 3", len(events))
	}
	for i, e := range events[:2] {
		if e.Current != i || e.Total != 2 || e.CurrentOperation == "" {
			t.Fatalf("event %d: %+v", i, e)
		}
	}
	last := events[2]
	if last.Current != 2 || last.Total != 2 || last.Percentage != 100 {
		t.Fatalf("terminal event: %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Current <= events[i-1].Current {
			t.Fatalf("progress not strictly increasing: %+v", events)
		}
	}
}

func TestNoRollbackIDWhenDisabled(t *testing.T) {
	var gets atomic.Int32
	c, _ := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Write([]byte(`{}`))
	}))

	res, err := c.Run(context.Background(), Job{Operations: []Mutation{
		mustTitle(t, "res-1", "A"),
	}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RollbackID != "" {
		t.Fatalf("got rollback id %q for a job without rollback", res.RollbackID)
	}
	// No rollback means no pre-batch snapshot reads either.
	if n := gets.Load(); n != 0 {
		t.Fatalf("server saw %d snapshot GETs, want 0", n)
	}
}

func TestPreviewMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	c, _ := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))

	m := mustTitle(t, "res-1", "Would-Be Title").AsPreview()
	res, err := c.Run(context.Background(), Job{Operations: []Mutation{m}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.Succeeded != 1 {
		t.Fatalf("preview batch: %+v", res)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("server saw %d calls for a preview, want 0", n)
	}

	var body map[string]string
	if err := json.Unmarshal(res.Results[0].Data, &body); err != nil {
		t.Fatalf("preview data: %v", err)
	}
	if body["title"] != "Would-Be Title" {
		t.Fatalf("preview payload %v", body)
	}
}

func TestAuthFailureAbortsRemainingDispatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	guard := token.NewGuard(token.State{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, nil, token.Options{})
	client := cmsapi.New(cmsapi.Config{BaseURL: srv.URL}, guard,
		ratelimit.New(ratelimit.Options{Strategy: ratelimit.StrategyRetry}))
	c := New(client, nil, Config{})

	res, err := c.Run(context.Background(), Job{Operations: []Mutation{
		mustTitle(t, "res-1", "A"),
		mustTitle(t, "res-2", "B"),
		mustTitle(t, "res-3", "C"),
	}}, nil)

	var authErr *token.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want *token.AuthError", err)
	}
	if len(res.Results) != 1 {
		t.Fatalf("got %d results, want 1: dead token stops the batch", len(res.Results))
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("server saw %d calls with an expired token, want 0", n)
	}
}

func TestCancelledContextStopsDispatch(t *testing.T) {
	c, _ := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Run(ctx, Job{Operations: []Mutation{
		mustTitle(t, "res-1", "A"),
	}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.Success || len(res.Results) != 0 {
		t.Fatalf("got %+v for a pre-cancelled context", res)
	}
}

func TestSnapshotFirstValueWins(t *testing.T) {
	var gets atomic.Int32
	c, led := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			w.Write([]byte(`{"title":"orig"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	// Two writes to the same field: both records keep the pre-batch value.
	res, err := c.Run(context.Background(), Job{
		Operations: []Mutation{
			mustTitle(t, "res-1", "A"),
			mustTitle(t, "res-1", "B"),
		},
		RollbackEnabled: true,
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := gets.Load(); n != 1 {
		t.Fatalf("server saw %d snapshot GETs, want 1 (cached per path)", n)
	}

	log, _ := led.Get(context.Background(), res.RollbackID)
	if log == nil || len(log.Changes) != 2 {
		t.Fatalf("change log: %+v", log)
	}
	for _, rec := range log.Changes {
		if rec.Before != "orig" {
			t.Fatalf("record %+v, want before=orig for both writes", rec)
		}
	}
	if log.Changes[0].After != "A" || log.Changes[1].After != "B" {
		t.Fatalf("records out of order: %+v", log.Changes)
	}
}

func TestEmptyBatchWithRollbackStillLedgers(t *testing.T) {
	c, led := testCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	res, err := c.Run(context.Background(), Job{RollbackEnabled: true}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.RollbackID == "" {
		t.Fatalf("empty batch: %+v", res)
	}
	log, _ := led.Get(context.Background(), res.RollbackID)
	if log == nil || log.TotalChanges != 0 || log.Status != ledger.StatusCompleted {
		t.Fatalf("change log: %+v", log)
	}
}

func TestEstimateDuration(t *testing.T) {
	c := New(nil, nil, Config{
		PerOpCost:           100 * time.Millisecond,
		ThroughputPerMinute: 5,
		RateLimitBuffer:     time.Second,
		RetryFraction:       0.5,
	})

	if got := c.EstimateDuration(0); got != 0 {
		t.Fatalf("empty batch estimate %v, want 0", got)
	}
	// 2 ops: 200ms base + 50% retry padding.
	if got := c.EstimateDuration(2); got != 300*time.Millisecond {
		t.Fatalf("got %v, want 300ms", got)
	}
	// 6 ops exceed the per-minute budget: buffer added.
	if got := c.EstimateDuration(6); got != 900*time.Millisecond+time.Second {
		t.Fatalf("got %v, want 1.9s", got)
	}
}
