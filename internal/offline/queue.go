package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/localstore"
)

const (
	queueKey                   = "sync_queue"
	DefaultRetention           = 7 * 24 * time.Hour
	DefaultMaxNotFoundAttempts = 5

	// Fixed width so timestamps sort lexically in enqueue order.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Failure codes reported by the server for rejected operations.
const (
	FailureValidation     = "validation_error"
	FailureNotFound       = "not_found"
	FailureStoreNotMapped = "store_not_mapped"
	FailureUnknownAction  = "unknown_action"
	FailureInvalid        = "invalid_operation"
)

// Operation is one queued mutation. It is never reordered or coalesced and
// stays in storage after it is synced until retention prunes it.
type Operation struct {
	ID           string `json:"id"`
	StoreName    string `json:"storeName"`
	Action       Action `json:"action"`
	Payload      Record `json:"payload"`
	Timestamp    string `json:"timestamp"`
	Synced       bool   `json:"synced"`
	SyncedAt     string `json:"syncedAt,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	LastStatus   string `json:"lastStatus,omitempty"`
	LastCode     string `json:"lastCode,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	DeadLettered bool   `json:"deadLettered,omitempty"`
}

// OperationKey matches a server result back to its queue entry.
type OperationKey struct {
	Timestamp string
	StoreName string
}

func (o Operation) Key() OperationKey {
	return OperationKey{Timestamp: o.Timestamp, StoreName: o.StoreName}
}

func (o Operation) Pending() bool {
	return !o.Synced && !o.DeadLettered
}

type Failure struct {
	Status  string
	Code    string
	Message string
}

type QueueStatus struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Synced       int `json:"synced"`
	DeadLettered int `json:"deadLettered"`
}

type QueueOptions struct {
	Hub                 *Hub
	Now                 func() time.Time
	MaxNotFoundAttempts int
}

// Queue is the durable sync queue. All mutations load, change and rewrite the
// whole list under one mutex.
type Queue struct {
	store               localstore.Store
	hub                 *Hub
	now                 func() time.Time
	maxNotFoundAttempts int

	mu     sync.Mutex
	lastTS time.Time
}

func NewQueue(store localstore.Store, opts QueueOptions) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxNotFound := opts.MaxNotFoundAttempts
	if maxNotFound <= 0 {
		maxNotFound = DefaultMaxNotFoundAttempts
	}
	return &Queue{
		store:               store,
		hub:                 opts.Hub,
		now:                 now,
		maxNotFoundAttempts: maxNotFound,
	}
}

// Enqueue appends an operation. Creates without an id get a temporary one and
// creates without a uuid get a fresh one so replays stay idempotent. Only
// storage failures are returned.
func (q *Queue) Enqueue(ctx context.Context, storeName string, action Action, payload Record) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadLocked(ctx)
	if err != nil {
		return Operation{}, err
	}
	now := q.nextTimestampLocked(ops)
	payload = payload.Clone()
	if action == ActionCreate {
		if IdentifierString(payload["id"]) == "" {
			payload["id"] = NewTemporaryID(now)
		}
		if payload.UUID() == "" {
			payload["uuid"] = uuid.NewString()
		}
	}
	op := Operation{
		ID:        uuid.NewString(),
		StoreName: strings.TrimSpace(storeName),
		Action:    action,
		Payload:   payload,
		Timestamp: now.Format(timestampLayout),
	}
	ops = append(ops, op)
	if err := q.saveLocked(ctx, ops); err != nil {
		return Operation{}, err
	}
	q.hub.Publish(Event{Kind: EventEnqueued, Collection: op.StoreName, OperationID: op.ID})
	return op, nil
}

// ListPending returns unsynced, live operations in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]Operation, error) {
	return q.filter(ctx, Operation.Pending)
}

func (q *Queue) All(ctx context.Context) ([]Operation, error) {
	return q.filter(ctx, func(Operation) bool { return true })
}

func (q *Queue) DeadLetters(ctx context.Context) ([]Operation, error) {
	return q.filter(ctx, func(op Operation) bool { return op.DeadLettered && !op.Synced })
}

// MarkSynced flips the synced flag on every operation matching one of keys.
// It returns how many operations changed.
func (q *Queue) MarkSynced(ctx context.Context, keys []OperationKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	wanted := make(map[OperationKey]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	syncedAt := q.now().UTC().Format(timestampLayout)
	marked := 0
	for i := range ops {
		if ops[i].Synced {
			continue
		}
		if _, ok := wanted[ops[i].Key()]; !ok {
			continue
		}
		ops[i].Synced = true
		ops[i].SyncedAt = syncedAt
		ops[i].DeadLettered = false
		ops[i].LastError = ""
		ops[i].LastStatus = "success"
		ops[i].LastCode = ""
		marked++
	}
	if marked == 0 {
		return 0, nil
	}
	return marked, q.saveLocked(ctx, ops)
}

// RecordFailure notes a rejected attempt. Not-found failures are dead-lettered
// once they reach the configured attempt limit; other failures stay pending.
func (q *Queue) RecordFailure(ctx context.Context, key OperationKey, failure Failure) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return Operation{}, err
	}
	for i := range ops {
		if ops[i].Synced || ops[i].Key() != key {
			continue
		}
		ops[i].Attempts++
		ops[i].LastStatus = failure.Status
		ops[i].LastCode = failure.Code
		ops[i].LastError = failure.Message
		if failure.Code == FailureNotFound && ops[i].Attempts >= q.maxNotFoundAttempts {
			ops[i].DeadLettered = true
		}
		if err := q.saveLocked(ctx, ops); err != nil {
			return Operation{}, err
		}
		return ops[i], nil
	}
	return Operation{}, fmt.Errorf("%w: operation %s/%s", ErrNotFound, key.StoreName, key.Timestamp)
}

// RewriteIdentifier replaces a confirmed temporary identifier in every
// unsynced payload, including foreign key fields of other collections.
func (q *Queue) RewriteIdentifier(ctx context.Context, fromID string, toID any) (int, error) {
	fromID = strings.TrimSpace(fromID)
	if fromID == "" || IdentifierString(toID) == "" {
		return 0, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	rewritten := 0
	for i := range ops {
		if ops[i].Synced {
			continue
		}
		changed := false
		for field, value := range ops[i].Payload {
			if s, ok := value.(string); ok && s == fromID {
				ops[i].Payload[field] = toID
				changed = true
			}
		}
		if changed {
			rewritten++
		}
	}
	if rewritten == 0 {
		return 0, nil
	}
	return rewritten, q.saveLocked(ctx, ops)
}

// Prune removes synced operations enqueued before now minus retention.
// Unsynced operations are never pruned.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-retention)
	kept := ops[:0]
	pruned := 0
	for _, op := range ops {
		if op.Synced {
			if ts, parseErr := time.Parse(time.RFC3339Nano, op.Timestamp); parseErr == nil && ts.Before(cutoff) {
				pruned++
				continue
			}
		}
		kept = append(kept, op)
	}
	if pruned == 0 {
		return 0, nil
	}
	return pruned, q.saveLocked(ctx, kept)
}

// Retry returns a dead-lettered or failing operation to the pending set with
// a fresh attempt count.
func (q *Queue) Retry(ctx context.Context, id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return Operation{}, err
	}
	for i := range ops {
		if ops[i].ID != id || ops[i].Synced {
			continue
		}
		ops[i].DeadLettered = false
		ops[i].Attempts = 0
		if err := q.saveLocked(ctx, ops); err != nil {
			return Operation{}, err
		}
		return ops[i], nil
	}
	return Operation{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
}

// Discard drops an unsynced operation for good.
func (q *Queue) Discard(ctx context.Context, id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return Operation{}, err
	}
	for i := range ops {
		if ops[i].ID != id || ops[i].Synced {
			continue
		}
		discarded := ops[i]
		ops = append(ops[:i], ops[i+1:]...)
		if err := q.saveLocked(ctx, ops); err != nil {
			return Operation{}, err
		}
		return discarded, nil
	}
	return Operation{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
}

func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	ops, err := q.All(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	status := QueueStatus{Total: len(ops)}
	for _, op := range ops {
		switch {
		case op.Synced:
			status.Synced++
		case op.DeadLettered:
			status.DeadLettered++
		default:
			status.Pending++
		}
	}
	return status, nil
}

func (q *Queue) filter(ctx context.Context, keep func(Operation) bool) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out, nil
}

// nextTimestampLocked returns a time strictly after every stored timestamp so
// that (timestamp, storeName) stays unique.
func (q *Queue) nextTimestampLocked(ops []Operation) time.Time {
	now := q.now().UTC()
	if q.lastTS.IsZero() && len(ops) > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, ops[len(ops)-1].Timestamp); err == nil {
			q.lastTS = ts
		}
	}
	if !now.After(q.lastTS) {
		now = q.lastTS.Add(time.Microsecond)
	}
	q.lastTS = now
	return now
}

func (q *Queue) loadLocked(ctx context.Context) ([]Operation, error) {
	data, ok, err := q.store.Get(ctx, queueKey)
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	if !ok || len(bytes.TrimSpace(data)) == 0 {
		return []Operation{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var ops []Operation
	if err := decoder.Decode(&ops); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return ops, nil
}

func (q *Queue) saveLocked(ctx context.Context, ops []Operation) error {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	if err := q.store.Put(ctx, queueKey, data); err != nil {
		return fmt.Errorf("save sync queue: %w", err)
	}
	return nil
}
