package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/httpapi"
	"github.com/agentworkforce/fieldsync/internal/localstore"
	"github.com/agentworkforce/fieldsync/internal/offline"
	"github.com/agentworkforce/fieldsync/internal/syncserver"
)

type fakeRemote struct {
	mu          sync.Mutex
	submit      func(ops []offline.Operation) (BatchResponse, error)
	collections map[string][]offline.Record
	submits     int
	fetches     []string
}

func (f *fakeRemote) SubmitBatch(_ context.Context, ops []offline.Operation) (BatchResponse, error) {
	f.mu.Lock()
	f.submits++
	submit := f.submit
	f.mu.Unlock()
	if submit == nil {
		return acceptAll(ops), nil
	}
	return submit(ops)
}

func (f *fakeRemote) FetchCollection(_ context.Context, storeName string) ([]offline.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, storeName)
	out := make([]offline.Record, 0, len(f.collections[storeName]))
	for _, record := range f.collections[storeName] {
		out = append(out, record.Clone())
	}
	return out, nil
}

func (f *fakeRemote) Ping(context.Context) error {
	return nil
}

func (f *fakeRemote) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func acceptAll(ops []offline.Operation) BatchResponse {
	resp := BatchResponse{Success: true, Results: []ItemResult{}}
	for i, op := range ops {
		item := ItemResult{Index: i, Status: "success", Action: string(op.Action), StoreName: op.StoreName, Timestamp: op.Timestamp}
		if op.Action == offline.ActionCreate {
			item.LocalID = op.Payload["id"]
			item.ServerID = 100 + i
		}
		resp.Results = append(resp.Results, item)
	}
	resp.SyncedCount = len(resp.Results)
	return resp
}

type countingProbe struct {
	reachable bool
	calls     atomic.Int32
}

func (p *countingProbe) IsReachable(context.Context) bool {
	p.calls.Add(1)
	return p.reachable
}

type agentFixture struct {
	scheduler *Scheduler
	queue     *offline.Queue
	cache     *offline.Cache
	hub       *offline.Hub
}

func newAgentFixture(t *testing.T, remote RemoteClient, probe Reachability, opts SchedulerOptions) agentFixture {
	t.Helper()
	store := localstore.NewMemoryStore()
	hub := offline.NewHub()
	queue := offline.NewQueue(store, offline.QueueOptions{Hub: hub})
	cache := offline.NewCache(store, hub)
	opts.Hub = hub
	return agentFixture{
		scheduler: NewScheduler(queue, cache, remote, probe, opts),
		queue:     queue,
		cache:     cache,
		hub:       hub,
	}
}

func (f agentFixture) enqueue(t *testing.T, storeName string, action offline.Action, payload offline.Record) offline.Operation {
	t.Helper()
	op, err := f.queue.Enqueue(context.Background(), storeName, action, payload)
	if err != nil {
		t.Fatalf("enqueue %s %s: %v", storeName, action, err)
	}
	if action != offline.ActionDelete {
		if _, err := f.cache.Upsert(context.Background(), storeName, op.Payload); err != nil {
			t.Fatalf("cache upsert: %v", err)
		}
	}
	return op
}

func newLiveServer(t *testing.T) *HTTPClient {
	t.Helper()
	processor := syncserver.NewProcessor(syncserver.DefaultRegistry(), syncserver.NewMemoryRepository(), syncserver.ProcessorOptions{})
	server := httptest.NewServer(httpapi.NewServerWithConfig(processor, httpapi.ServerConfig{JWTSecret: "agent-secret"}))
	t.Cleanup(server.Close)
	token, err := httpapi.SignToken("agent-secret", "tenant-a", "rep-1", []string{httpapi.ScopeSyncWrite, httpapi.ScopeRecordsRead}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return NewHTTPClient(server.URL, token, server.Client())
}

func TestFlushAppliesBatchAgainstLiveServer(t *testing.T) {
	ctx := context.Background()
	client := newLiveServer(t)
	fx := newAgentFixture(t, client, nil, SchedulerOptions{})
	events, cancel := fx.hub.Subscribe(64)
	defer cancel()

	created := fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})
	tempID := created.Payload.ID()
	fx.enqueue(t, "sales_visits", offline.ActionCreate, offline.Record{"client_id": tempID, "scheduled_at": "2026-03-01"})

	result, err := fx.scheduler.Flush(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Attempted != 2 || result.Synced != 2 || result.Failed != 0 {
		t.Fatalf("expected two synced operations, got %+v", result)
	}

	status, err := fx.queue.Status(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.Pending != 0 || status.Synced != 2 {
		t.Fatalf("expected nothing pending, got %+v", status)
	}

	clients, err := fx.cache.Get(ctx, "clients")
	if err != nil {
		t.Fatalf("get clients: %v", err)
	}
	if len(clients) != 1 || offline.IsTemporaryID(clients[0].ID()) || clients[0]["name"] != "Acme" {
		t.Fatalf("expected refreshed client with server id, got %+v", clients)
	}
	visits, err := fx.cache.Get(ctx, "sales_visits")
	if err != nil {
		t.Fatalf("get visits: %v", err)
	}
	if len(visits) != 1 || offline.IdentifierString(visits[0]["client_id"]) != clients[0].ID() {
		t.Fatalf("expected visit linked to server client id %s, got %+v", clients[0].ID(), visits)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == offline.EventFlushCompleted {
				if event.Synced != 2 {
					t.Fatalf("expected flush event with 2 synced, got %+v", event)
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected flush_completed event")
		}
	}
}

func TestFlushKeepsRejectedOperationsPendingUntilDeadLettered(t *testing.T) {
	ctx := context.Background()
	client := newLiveServer(t)
	fx := newAgentFixture(t, client, nil, SchedulerOptions{})

	fx.enqueue(t, "clients", offline.ActionUpdate, offline.Record{"id": 999, "name": "Ghost"})
	fx.enqueue(t, "products", offline.ActionCreate, offline.Record{"name": "Pen"})

	result, err := fx.scheduler.Flush(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Fatalf("expected one synced and one failed, got %+v", result)
	}
	pending, err := fx.queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].LastCode != offline.FailureNotFound || pending[0].Attempts != 1 {
		t.Fatalf("expected rejected update to stay pending, got %+v", pending)
	}

	for attempt := 2; attempt <= offline.DefaultMaxNotFoundAttempts; attempt++ {
		result, err = fx.scheduler.Flush(ctx, TriggerInterval)
		if err != nil {
			t.Fatalf("flush attempt %d: %v", attempt, err)
		}
	}
	if result.DeadLettered != 1 {
		t.Fatalf("expected final attempt to dead-letter, got %+v", result)
	}
	pending, err = fx.queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected dead-lettered op to leave the pending list, got %+v", pending)
	}
}

func TestFlushSkipsWhenUnreachable(t *testing.T) {
	remote := &fakeRemote{}
	probe := &countingProbe{reachable: false}
	fx := newAgentFixture(t, remote, probe, SchedulerOptions{})
	fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})

	_, err := fx.scheduler.Flush(context.Background(), TriggerReconnect)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if remote.submitCount() != 0 {
		t.Fatalf("expected no submission while unreachable")
	}
	if fx.scheduler.State() != StateIdle {
		t.Fatalf("expected idle after skipped flush, got %s", fx.scheduler.State())
	}
}

func TestFlushEmptyQueueSucceedsWithoutProbing(t *testing.T) {
	remote := &fakeRemote{}
	probe := &countingProbe{reachable: true}
	fx := newAgentFixture(t, remote, probe, SchedulerOptions{})

	result, err := fx.scheduler.Flush(context.Background(), TriggerInterval)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Attempted != 0 || result.Synced != 0 {
		t.Fatalf("expected zero-count success, got %+v", result)
	}
	if probe.calls.Load() != 0 || remote.submitCount() != 0 {
		t.Fatalf("expected no probe or submission for an empty queue")
	}
}

func TestFlushIsSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{submit: func(ops []offline.Operation) (BatchResponse, error) {
		close(entered)
		<-release
		return acceptAll(ops), nil
	}}
	fx := newAgentFixture(t, remote, &countingProbe{reachable: true}, SchedulerOptions{})
	fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})

	done := make(chan error, 1)
	go func() {
		_, err := fx.scheduler.Flush(context.Background(), TriggerManual)
		done <- err
	}()
	<-entered
	if fx.scheduler.State() != StateFlushing {
		t.Fatalf("expected flushing state, got %s", fx.scheduler.State())
	}
	if _, err := fx.scheduler.Flush(context.Background(), TriggerVisible); !errors.Is(err, ErrFlushInProgress) {
		t.Fatalf("expected ErrFlushInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if remote.submitCount() != 1 {
		t.Fatalf("expected one submission, got %d", remote.submitCount())
	}
	status, err := fx.scheduler.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsSyncing || status.Queue.Synced != 1 || status.Stats.Flushes != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestFlushSubmitFailureLeavesQueueUntouched(t *testing.T) {
	remote := &fakeRemote{submit: func(ops []offline.Operation) (BatchResponse, error) {
		return BatchResponse{}, &HTTPError{StatusCode: 500, Message: "sync failed, no operations were applied"}
	}}
	fx := newAgentFixture(t, remote, &countingProbe{reachable: true}, SchedulerOptions{})
	events, cancel := fx.hub.Subscribe(16)
	defer cancel()
	fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})

	_, err := fx.scheduler.Flush(context.Background(), TriggerManual)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	pending, err := fx.queue.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("expected untouched pending op, got %+v", pending)
	}
	status, err := fx.scheduler.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastError == "" || status.Stats.Failures != 1 {
		t.Fatalf("expected recorded failure, got %+v", status)
	}
	for {
		select {
		case event := <-events:
			if event.Kind == offline.EventFlushFailed {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("expected flush_failed event")
		}
	}
}

func TestFlushRewritesTemporaryIDsOfStillPendingOperations(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{
		submit: func(ops []offline.Operation) (BatchResponse, error) {
			return BatchResponse{
				Results: []ItemResult{{Index: 0, Status: "success", Action: "create", StoreName: ops[0].StoreName, Timestamp: ops[0].Timestamp, LocalID: ops[0].Payload["id"], ServerID: 77, UUID: "server-uuid"}},
				Errors:  []ItemError{{Index: 1, Status: "validation_error", Code: "validation_error", Message: "scheduled_at is required", StoreName: ops[1].StoreName, Timestamp: ops[1].Timestamp}},
			}, nil
		},
		collections: map[string][]offline.Record{"clients": {{"id": 77, "name": "Acme"}}},
	}
	fx := newAgentFixture(t, remote, &countingProbe{reachable: true}, SchedulerOptions{})
	created := fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})
	fx.enqueue(t, "sales_visits", offline.ActionCreate, offline.Record{"client_id": created.Payload.ID()})

	result, err := fx.scheduler.Flush(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Fatalf("expected partial flush, got %+v", result)
	}
	pending, err := fx.queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || offline.IdentifierString(pending[0].Payload["client_id"]) != "77" {
		t.Fatalf("expected pending visit to reference server id 77, got %+v", pending)
	}
	if pending[0].LastCode != "validation_error" {
		t.Fatalf("expected validation failure recorded, got %+v", pending[0])
	}

	clients, err := fx.cache.Get(ctx, "clients")
	if err != nil {
		t.Fatalf("get clients: %v", err)
	}
	if len(clients) != 1 || clients[0].ID() != "77" {
		t.Fatalf("expected client rekeyed to 77, got %+v", clients)
	}
	visits, err := fx.cache.Get(ctx, "sales_visits")
	if err != nil {
		t.Fatalf("get visits: %v", err)
	}
	if len(visits) != 1 || offline.IdentifierString(visits[0]["client_id"]) != "77" {
		t.Fatalf("expected refreshed visits to overlay the pending create, got %+v", visits)
	}
}

func TestFlushIgnoresResultsThatDoNotEchoTheOperation(t *testing.T) {
	remote := &fakeRemote{submit: func(ops []offline.Operation) (BatchResponse, error) {
		return BatchResponse{Results: []ItemResult{{Index: 0, Status: "success", StoreName: ops[0].StoreName, Timestamp: "someone-else"}}}, nil
	}}
	fx := newAgentFixture(t, remote, &countingProbe{reachable: true}, SchedulerOptions{})
	fx.enqueue(t, "clients", offline.ActionUpdate, offline.Record{"id": "5", "name": "B"})

	result, err := fx.scheduler.Flush(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Synced != 0 || result.Unanswered != 1 {
		t.Fatalf("expected unmatched result to be ignored, got %+v", result)
	}
}

func TestOverlayPendingReplaysLocalEdits(t *testing.T) {
	records := []offline.Record{{"id": "1", "name": "Server"}, {"id": "2", "name": "Gone"}}
	pending := []offline.Operation{
		{StoreName: "clients", Action: offline.ActionUpdate, Payload: offline.Record{"id": "1", "name": "Local"}},
		{StoreName: "clients", Action: offline.ActionDelete, Payload: offline.Record{"id": "2"}},
		{StoreName: "clients", Action: offline.ActionCreate, Payload: offline.Record{"id": "temp-9-x", "name": "New"}},
		{StoreName: "products", Action: offline.ActionCreate, Payload: offline.Record{"id": "temp-8-y"}},
	}
	out := overlayPending(records, pending, "clients")
	if len(out) != 2 {
		t.Fatalf("expected two records, got %+v", out)
	}
	if out[0]["name"] != "Local" || out[1].ID() != "temp-9-x" {
		t.Fatalf("unexpected overlay %+v", out)
	}
}

func TestRunFlushesOnReconnect(t *testing.T) {
	remote := &fakeRemote{}
	fx := newAgentFixture(t, remote, &countingProbe{reachable: true}, SchedulerOptions{
		Interval:       time.Hour,
		InitialDelay:   time.Hour,
		ReconnectDelay: time.Millisecond,
	})
	fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fx.scheduler.Run(ctx) }()

	fx.scheduler.SetLinkState(false)
	fx.scheduler.SetLinkState(true)

	deadline := time.Now().Add(2 * time.Second)
	for remote.submitCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnect to trigger a flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestFlushSendsLargeBacklogInBatches(t *testing.T) {
	ctx := context.Background()
	client := newLiveServer(t)
	fx := newAgentFixture(t, client, nil, SchedulerOptions{})
	const total = 501
	for i := 0; i < total; i++ {
		fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": fmt.Sprintf("client %03d", i)})
	}

	result, err := fx.scheduler.Flush(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Attempted != total || result.Synced != total || result.Batches != 3 {
		t.Fatalf("expected %d synced in 3 batches, got %+v", total, result)
	}
	status, err := fx.queue.Status(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.Pending != 0 || status.Synced != total {
		t.Fatalf("expected empty backlog, got %+v", status)
	}
	clients, err := fx.cache.Get(ctx, "clients")
	if err != nil {
		t.Fatalf("get clients: %v", err)
	}
	if len(clients) != total {
		t.Fatalf("expected %d cached clients, got %d", total, len(clients))
	}
}

func TestFlushRewritesTemporaryIDsBetweenBatches(t *testing.T) {
	ctx := context.Background()
	client := newLiveServer(t)
	fx := newAgentFixture(t, client, nil, SchedulerOptions{BatchSize: 1})

	created := fx.enqueue(t, "clients", offline.ActionCreate, offline.Record{"name": "Acme"})
	fx.enqueue(t, "clients", offline.ActionUpdate, offline.Record{"id": created.Payload.ID(), "name": "Acme Ltd"})

	result, err := fx.scheduler.Flush(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Batches != 2 || result.Synced != 2 || result.Failed != 0 {
		t.Fatalf("expected two batches both applied, got %+v", result)
	}
	clients, err := fx.cache.Get(ctx, "clients")
	if err != nil {
		t.Fatalf("get clients: %v", err)
	}
	if len(clients) != 1 || clients[0]["name"] != "Acme Ltd" || offline.IsTemporaryID(clients[0].ID()) {
		t.Fatalf("expected updated client with server id, got %+v", clients)
	}
}

func TestRunFlushCompletesAfterContextCancelled(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		var req struct {
			Queue []BatchItem `json:"queue"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		close(entered)
		<-release
		resp := BatchResponse{Success: true}
		for i, item := range req.Queue {
			resp.Results = append(resp.Results, ItemResult{Index: i, Status: "success", Action: string(item.Action), StoreName: item.StoreName, Timestamp: item.Timestamp})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	fx := newAgentFixture(t, NewHTTPClient(server.URL, "", server.Client()), &countingProbe{reachable: true}, SchedulerOptions{})
	fx.enqueue(t, "clients", offline.ActionUpdate, offline.Record{"id": "7", "name": "Acme"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.scheduler.runFlush(ctx, TriggerInterval)
	}()
	<-entered
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("flush did not finish")
	}

	status, err := fx.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.Pending != 0 || status.Synced != 1 {
		t.Fatalf("expected operation synced despite cancellation, got %+v", status)
	}
}
