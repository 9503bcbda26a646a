package syncagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/offline"
)

var (
	ErrFlushInProgress = errors.New("sync already in progress")
	ErrUnreachable     = errors.New("server unreachable")
)

type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
	// StateBackoff is reserved. The interval timer is the retry cadence.
	StateBackoff State = "backoff"
)

type Trigger string

const (
	TriggerInitial   Trigger = "initial"
	TriggerReconnect Trigger = "reconnect"
	TriggerInterval  Trigger = "interval"
	TriggerVisible   Trigger = "visible"
	TriggerUnload    Trigger = "unload"
	TriggerManual    Trigger = "manual"
	TriggerEnqueue   Trigger = "enqueue"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultReconnectDelay = 500 * time.Millisecond
	DefaultVisibleDelay   = time.Second
	DefaultInitialDelay   = 2 * time.Second
	DefaultBatchSize      = 200
)

type Reachability interface {
	IsReachable(ctx context.Context) bool
}

type SchedulerOptions struct {
	Interval       time.Duration
	ReconnectDelay time.Duration
	VisibleDelay   time.Duration
	InitialDelay   time.Duration
	Retention      time.Duration
	// BatchSize caps the operations sent per request. Larger backlogs are
	// sent as consecutive batches within one flush.
	BatchSize int
	// RefreshCollections are refreshed after every applied flush in addition
	// to the collections the flush touched.
	RefreshCollections []string
	Hub                *offline.Hub
	Logger             *slog.Logger
	Now                func() time.Time
}

type FlushResult struct {
	Trigger      Trigger   `json:"trigger"`
	Attempted    int       `json:"attempted"`
	Batches      int       `json:"batches"`
	Synced       int       `json:"synced"`
	Failed       int       `json:"failed"`
	DeadLettered int       `json:"deadLettered"`
	Unanswered   int       `json:"unanswered"`
	Pruned       int       `json:"pruned"`
	Refreshed    []string  `json:"refreshed,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	Duration     string    `json:"duration"`
}

type Status struct {
	State     State               `json:"state"`
	Online    bool                `json:"online"`
	IsSyncing bool                `json:"isSyncing"`
	Queue     offline.QueueStatus `json:"queue"`
	LastFlush *FlushResult        `json:"lastFlush,omitempty"`
	LastError string              `json:"lastError,omitempty"`
	Stats     MonitorSnapshot     `json:"stats"`
}

type triggerRequest struct {
	trigger Trigger
}

type Scheduler struct {
	queue   *offline.Queue
	cache   *offline.Cache
	client  RemoteClient
	probe   Reachability
	opts    SchedulerOptions
	logger  *slog.Logger
	monitor *Monitor

	triggers chan triggerRequest

	mu        sync.Mutex
	state     State
	linkUp    bool
	lastFlush *FlushResult
	lastError string
}

func NewScheduler(queue *offline.Queue, cache *offline.Cache, client RemoteClient, probe Reachability, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.VisibleDelay <= 0 {
		opts.VisibleDelay = DefaultVisibleDelay
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Retention <= 0 {
		opts.Retention = offline.DefaultRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if probe == nil {
		probe = NewProber(client, DefaultProbeTimeout)
	}
	return &Scheduler{
		queue:    queue,
		cache:    cache,
		client:   client,
		probe:    probe,
		opts:     opts,
		logger:   logger,
		monitor:  NewMonitor(),
		triggers: make(chan triggerRequest, 16),
		state:    StateIdle,
		linkUp:   true,
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkUp
}

// SetLinkState records the link-layer online signal. Coming back online
// schedules a reconnect flush.
func (s *Scheduler) SetLinkState(up bool) {
	s.mu.Lock()
	changed := s.linkUp != up
	s.linkUp = up
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Info("link state changed", "online", up)
	s.opts.Hub.Publish(offline.Event{Kind: offline.EventConnectionChanged, Online: up, At: s.opts.Now().UTC()})
	if up {
		s.Trigger(TriggerReconnect)
	}
}

// Trigger asks the run loop for a flush. Reconnect, visibility and initial
// triggers are delayed so the link can settle.
func (s *Scheduler) Trigger(trigger Trigger) {
	delay := time.Duration(0)
	switch trigger {
	case TriggerReconnect:
		delay = s.opts.ReconnectDelay
	case TriggerVisible:
		delay = s.opts.VisibleDelay
	case TriggerInitial:
		delay = s.opts.InitialDelay
	}
	if delay <= 0 {
		s.send(trigger)
		return
	}
	time.AfterFunc(delay, func() { s.send(trigger) })
}

func (s *Scheduler) send(trigger Trigger) {
	select {
	case s.triggers <- triggerRequest{trigger: trigger}:
	default:
		s.logger.Debug("flush trigger dropped, loop busy", "trigger", trigger)
	}
}

// Run drives flushes from the interval ticker and queued triggers until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.Trigger(TriggerInitial)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.Online() {
				continue
			}
			s.runFlush(ctx, TriggerInterval)
		case req := <-s.triggers:
			s.runFlush(ctx, req.trigger)
		}
	}
}

// runFlush detaches from ctx: a flush that has started runs to completion or
// until the HTTP client times out.
func (s *Scheduler) runFlush(ctx context.Context, trigger Trigger) {
	result, err := s.Flush(context.WithoutCancel(ctx), trigger)
	switch {
	case err == nil:
		if result.Attempted > 0 {
			s.logger.Info("flush completed", "trigger", trigger, "synced", result.Synced, "failed", result.Failed, "duration", result.Duration)
		}
	case errors.Is(err, ErrFlushInProgress), errors.Is(err, ErrUnreachable):
		s.logger.Debug("flush skipped", "trigger", trigger, "reason", err)
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("flush failed", "trigger", trigger, "error", err)
	}
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFlushing {
		return false
	}
	s.state = StateFlushing
	return true
}

func (s *Scheduler) finish(result *FlushResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	if result != nil {
		s.lastFlush = result
	}
	if err != nil {
		s.lastError = err.Error()
	} else if result != nil && result.Attempted > 0 {
		s.lastError = ""
	}
}

// Flush submits every pending operation in batches of at most BatchSize and
// reconciles each response before sending the next batch. Operations without
// a success result stay pending.
func (s *Scheduler) Flush(ctx context.Context, trigger Trigger) (result FlushResult, err error) {
	if !s.begin() {
		return FlushResult{Trigger: trigger}, ErrFlushInProgress
	}
	started := s.opts.Now()
	result = FlushResult{Trigger: trigger, StartedAt: started.UTC()}
	defer func() {
		result.Duration = s.opts.Now().Sub(started).String()
		if result.Attempted == 0 && (err == nil || errors.Is(err, ErrUnreachable)) {
			s.finish(nil, nil)
			return
		}
		s.finish(&result, err)
	}()

	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}
	if !s.probe.IsReachable(ctx) {
		return result, ErrUnreachable
	}

	s.logger.Debug("flush started", "trigger", trigger, "pending", len(pending))
	touched := map[string]struct{}{}
	sent := map[offline.OperationKey]bool{}
	var message string
	var submitErr error
	for {
		batch := nextBatch(pending, sent, s.opts.BatchSize)
		if len(batch) == 0 {
			break
		}
		for _, op := range batch {
			sent[op.Key()] = true
		}
		result.Attempted += len(batch)
		result.Batches++
		resp, err := s.client.SubmitBatch(ctx, batch)
		if err != nil {
			submitErr = fmt.Errorf("submit batch: %w", err)
			break
		}
		message = resp.Message
		applied, err := s.reconcile(ctx, batch, resp, &result)
		if err != nil {
			return result, err
		}
		for name := range applied {
			touched[name] = struct{}{}
		}
		// Reload so later batches carry identifiers rewritten by this one.
		if pending, err = s.queue.ListPending(ctx); err != nil {
			return result, err
		}
	}

	if result.Synced > 0 {
		result.Refreshed = s.refresh(ctx, touched)
	}
	pruned, pruneErr := s.queue.Prune(ctx, s.opts.Retention)
	if pruneErr != nil {
		s.logger.Warn("prune failed", "error", pruneErr)
	}
	result.Pruned = pruned

	if submitErr != nil {
		s.monitor.FlushFailed(s.opts.Now().Sub(started))
		s.opts.Hub.Publish(offline.Event{
			Kind:    offline.EventFlushFailed,
			Level:   "error",
			Synced:  result.Synced,
			Message: submitErr.Error(),
			At:      s.opts.Now().UTC(),
		})
		return result, submitErr
	}
	s.monitor.FlushCompleted(result.Synced, s.opts.Now().Sub(started))
	s.opts.Hub.Publish(offline.Event{
		Kind:    offline.EventFlushCompleted,
		Synced:  result.Synced,
		Failed:  result.Failed,
		Message: message,
		At:      s.opts.Now().UTC(),
	})
	return result, nil
}

// nextBatch returns up to size pending operations, in queue order, that were
// not yet sent during this flush.
func nextBatch(pending []offline.Operation, sent map[offline.OperationKey]bool, size int) []offline.Operation {
	batch := make([]offline.Operation, 0, size)
	for _, op := range pending {
		if sent[op.Key()] {
			continue
		}
		batch = append(batch, op)
		if len(batch) == size {
			break
		}
	}
	return batch
}

type identifierUpdate struct {
	storeName string
	fromID    string
	record    offline.Record
}

// reconcile applies a batch response to the queue and cache. It returns the
// collections touched by applied operations.
func (s *Scheduler) reconcile(ctx context.Context, pending []offline.Operation, resp BatchResponse, result *FlushResult) (map[string]struct{}, error) {
	touched := map[string]struct{}{}
	answered := make(map[int]bool, len(pending))
	keys := make([]offline.OperationKey, 0, len(resp.Results))
	var updates []identifierUpdate
	var removals []identifierUpdate

	for _, item := range resp.Results {
		op, ok := matchOperation(pending, item.Index, item.StoreName, item.Timestamp)
		if !ok {
			s.logger.Warn("result does not match a pending operation", "index", item.Index, "store", item.StoreName, "timestamp", item.Timestamp)
			continue
		}
		answered[item.Index] = true
		keys = append(keys, op.Key())
		touched[op.StoreName] = struct{}{}
		switch op.Action {
		case offline.ActionCreate:
			serverID := offline.IdentifierString(item.ServerID)
			if serverID == "" {
				continue
			}
			localID := offline.IdentifierString(item.LocalID)
			if localID == "" {
				localID = op.Payload.ID()
			}
			record := offline.Record{"id": item.ServerID}
			if item.UUID != "" {
				record["uuid"] = item.UUID
			}
			updates = append(updates, identifierUpdate{storeName: op.StoreName, fromID: localID, record: record})
		case offline.ActionDelete:
			removals = append(removals, identifierUpdate{storeName: op.StoreName, fromID: op.Payload.ID()})
		}
	}

	synced, err := s.queue.MarkSynced(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}
	result.Synced = synced

	for _, update := range updates {
		if update.fromID != "" && update.fromID != update.record.ID() {
			if _, err := s.queue.RewriteIdentifier(ctx, update.fromID, update.record["id"]); err != nil {
				s.logger.Warn("rewrite identifier failed", "store", update.storeName, "from", update.fromID, "error", err)
			}
		}
		if err := s.cache.Rekey(ctx, update.storeName, update.fromID, update.record); err != nil {
			s.logger.Warn("cache rekey failed", "store", update.storeName, "from", update.fromID, "error", err)
		}
	}
	for _, removal := range removals {
		if removal.fromID == "" {
			continue
		}
		if _, err := s.cache.Remove(ctx, removal.storeName, removal.fromID); err != nil {
			s.logger.Warn("cache remove failed", "store", removal.storeName, "id", removal.fromID, "error", err)
		}
	}

	for _, item := range resp.Errors {
		op, ok := matchOperation(pending, item.Index, item.StoreName, item.Timestamp)
		if !ok {
			s.logger.Warn("error does not match a pending operation", "index", item.Index, "code", item.Code)
			continue
		}
		answered[item.Index] = true
		result.Failed++
		updated, err := s.queue.RecordFailure(ctx, op.Key(), offline.Failure{
			Status:  item.Status,
			Code:    item.Code,
			Message: item.Message,
		})
		if err != nil {
			s.logger.Warn("record failure failed", "operation", op.ID, "error", err)
			continue
		}
		if updated.DeadLettered {
			result.DeadLettered++
			s.opts.Hub.Publish(offline.Event{
				Kind:        offline.EventNotification,
				Collection:  op.StoreName,
				OperationID: op.ID,
				Level:       "error",
				Message:     fmt.Sprintf("%s %s moved to dead letters: %s", op.StoreName, op.Action, item.Message),
				At:          s.opts.Now().UTC(),
			})
		}
		s.logger.Info("operation rejected", "operation", op.ID, "store", op.StoreName, "action", op.Action, "code", item.Code, "message", item.Message)
	}

	for i := range pending {
		if !answered[i] {
			result.Unanswered++
		}
	}
	return touched, nil
}

// matchOperation resolves a response entry by index and checks that it echoes
// the same timestamp and store. An entry without an echo is accepted by index.
func matchOperation(pending []offline.Operation, index int, storeName, timestamp string) (offline.Operation, bool) {
	if index < 0 || index >= len(pending) {
		return offline.Operation{}, false
	}
	op := pending[index]
	if timestamp != "" && timestamp != op.Timestamp {
		return offline.Operation{}, false
	}
	if storeName != "" && storeName != op.StoreName {
		return offline.Operation{}, false
	}
	return op, true
}

// refresh reloads collections from the server and replays still-pending
// operations over them so unsynced local edits remain visible. Pending
// operations are read after the fetch while holding the collection, so a
// submission made during the fetch is not overwritten.
func (s *Scheduler) refresh(ctx context.Context, touched map[string]struct{}) []string {
	for _, name := range s.opts.RefreshCollections {
		touched[name] = struct{}{}
	}
	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)

	refreshed := make([]string, 0, len(names))
	for _, name := range names {
		records, err := s.client.FetchCollection(ctx, name)
		if err != nil {
			s.logger.Warn("refresh collection failed", "store", name, "error", err)
			continue
		}
		if err := s.replaceCollection(ctx, name, records); err != nil {
			s.logger.Warn("cache replace failed", "store", name, "error", err)
			continue
		}
		refreshed = append(refreshed, name)
	}
	return refreshed
}

func (s *Scheduler) replaceCollection(ctx context.Context, name string, records []offline.Record) error {
	release := s.cache.Hold(name)
	defer release()
	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	return s.cache.ReplaceAll(ctx, name, overlayPending(records, pending, name))
}

func overlayPending(records []offline.Record, pending []offline.Operation, storeName string) []offline.Record {
	byID := make(map[string]int, len(records))
	for i, record := range records {
		byID[record.ID()] = i
	}
	out := records
	removed := map[string]bool{}
	for _, op := range pending {
		if op.StoreName != storeName {
			continue
		}
		id := op.Payload.ID()
		if id == "" {
			continue
		}
		switch op.Action {
		case offline.ActionCreate, offline.ActionUpdate:
			if i, ok := byID[id]; ok {
				out[i] = out[i].Merge(op.Payload)
				continue
			}
			byID[id] = len(out)
			out = append(out, op.Payload.Clone())
			delete(removed, id)
		case offline.ActionDelete:
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return out
	}
	kept := out[:0]
	for _, record := range out {
		if !removed[record.ID()] {
			kept = append(kept, record)
		}
	}
	return kept
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	queueStatus, err := s.queue.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		State:     s.state,
		Online:    s.linkUp,
		IsSyncing: s.state == StateFlushing,
		Queue:     queueStatus,
		LastError: s.lastError,
		Stats:     s.monitor.Snapshot(),
	}
	if s.lastFlush != nil {
		last := *s.lastFlush
		status.LastFlush = &last
	}
	return status, nil
}
