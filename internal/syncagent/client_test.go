package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/agentworkforce/fieldsync/internal/offline"
)

func TestHTTPClientSubmitBatchDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"sync failed, no operations were applied","error":"boom"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	client.baseDelay = time.Millisecond
	_, err := client.SubmitBatch(context.Background(), []offline.Operation{{StoreName: "clients", Action: offline.ActionCreate, Payload: offline.Record{"name": "A"}, Timestamp: "t1"}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", httpErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestHTTPClientSubmitBatchSendsQueueAndDecodesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/offline-sync" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		var body struct {
			Queue []BatchItem `json:"queue"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Queue) != 1 || body.Queue[0].Timestamp != "t1" {
			t.Errorf("unexpected queue %+v", body.Queue)
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{"success":false,"results":[{"index":0,"status":"success","action":"create","storeName":"clients","timestamp":"t1","local_id":"temp-1","server_id":42,"uuid":"u-1"}],"errors":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	resp, err := client.SubmitBatch(context.Background(), []offline.Operation{{StoreName: "clients", Action: offline.ActionCreate, Payload: offline.Record{"id": "temp-1"}, Timestamp: "t1"}})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected one result, got %+v", resp)
	}
	if got := offline.IdentifierString(resp.Results[0].ServerID); got != "42" {
		t.Fatalf("expected server id 42, got %q", got)
	}
}

func TestHTTPClientSubmitBatchCompressesLargeBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("expected snappy encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		raw, _ := io.ReadAll(r.Body)
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			t.Errorf("decode snappy body: %v", err)
		}
		if !json.Valid(decoded) {
			t.Errorf("expected json after decoding, got %q", decoded)
		}
		_, _ = w.Write([]byte(`{"success":true,"results":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	client.SetCompressThreshold(1)
	if _, err := client.SubmitBatch(context.Background(), []offline.Operation{{StoreName: "clients", Action: offline.ActionUpdate, Payload: offline.Record{"id": "1"}, Timestamp: "t1"}}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}
}

func TestHTTPClientFetchCollectionRetriesOn503(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"try again"}`))
			return
		}
		if r.URL.Path != "/api/collections/clients" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"store":"clients","data":[{"id":1,"name":"Acme"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 2 * time.Millisecond
	records, err := client.FetchCollection(context.Background(), "clients")
	if err != nil {
		t.Fatalf("fetch collection: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if len(records) != 1 || records[0].ID() != "1" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestHTTPClientFetchCollectionReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"store_not_mapped","message":"store not mapped: pets"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	_, err := client.FetchCollection(context.Background(), "pets")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "store_not_mapped" {
		t.Fatalf("expected store_not_mapped http error, got %v", err)
	}
}

func TestProberReportsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ping" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	client := NewHTTPClient(server.URL, "", server.Client())
	prober := NewProber(client, time.Second)
	if prober.IsReachable(context.Background()) {
		t.Fatalf("expected 503 ping to be unreachable")
	}
	server.Close()
	if prober.IsReachable(context.Background()) {
		t.Fatalf("expected closed server to be unreachable")
	}
}

func TestProberTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	prober := NewProber(NewHTTPClient(server.URL, "", server.Client()), 20*time.Millisecond)
	started := time.Now()
	if prober.IsReachable(context.Background()) {
		t.Fatalf("expected hung ping to be unreachable")
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("expected probe to respect its timeout")
	}
}

func TestRetryDelayHonoursRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected retry-after of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected cap of 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff, got %s", got)
	}
	if parseRetryAfter("soon") != 0 {
		t.Fatalf("expected unparseable retry-after to be ignored")
	}
}
