// Package bridge is the surface the field UI talks to. Reads come from the
// local cache and writes always go through the sync queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/offline"
	"github.com/agentworkforce/fieldsync/internal/syncagent"
)

var ErrInvalidInput = errors.New("invalid input")

const DefaultUnloadTimeout = 3 * time.Second

const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

type Options struct {
	Logger        *slog.Logger
	UnloadTimeout time.Duration
	Now           func() time.Time
}

type Bridge struct {
	queue         *offline.Queue
	cache         *offline.Cache
	scheduler     *syncagent.Scheduler
	hub           *offline.Hub
	logger        *slog.Logger
	unloadTimeout time.Duration
	now           func() time.Time
}

func New(queue *offline.Queue, cache *offline.Cache, scheduler *syncagent.Scheduler, hub *offline.Hub, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	unloadTimeout := opts.UnloadTimeout
	if unloadTimeout <= 0 {
		unloadTimeout = DefaultUnloadTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		queue:         queue,
		cache:         cache,
		scheduler:     scheduler,
		hub:           hub,
		logger:        logger,
		unloadTimeout: unloadTimeout,
		now:           now,
	}
}

// FetchForDisplay returns cached records without touching the network.
func (b *Bridge) FetchForDisplay(ctx context.Context, storeName string) ([]offline.Record, error) {
	storeName = strings.TrimSpace(storeName)
	if storeName == "" {
		return nil, ErrInvalidInput
	}
	return b.cache.Get(ctx, storeName)
}

// Submit queues a change and applies it optimistically to the cache.
func (b *Bridge) Submit(ctx context.Context, storeName string, action offline.Action, payload offline.Record) (offline.Operation, error) {
	storeName = strings.TrimSpace(storeName)
	if storeName == "" || !action.Valid() || payload == nil {
		return offline.Operation{}, ErrInvalidInput
	}
	payload = payload.Clone()
	if action != offline.ActionCreate {
		if payload.ID() == "" {
			return offline.Operation{}, fmt.Errorf("%w: %s requires an id", ErrInvalidInput, action)
		}
		b.attachUUID(ctx, storeName, payload)
	}

	release := b.cache.Hold(storeName)
	op, err := b.queue.Enqueue(ctx, storeName, action, payload)
	if err != nil {
		release()
		return offline.Operation{}, err
	}

	switch action {
	case offline.ActionDelete:
		if _, err := b.cache.Remove(ctx, storeName, op.Payload.ID()); err != nil {
			b.logger.Warn("optimistic remove failed", "store", storeName, "error", err)
		}
	default:
		if _, err := b.cache.Upsert(ctx, storeName, op.Payload); err != nil {
			b.logger.Warn("optimistic upsert failed", "store", storeName, "error", err)
		}
	}
	release()

	if b.scheduler.Online() {
		b.notify(LevelInfo, storeName, op.ID, "saved, syncing")
		b.scheduler.Trigger(syncagent.TriggerEnqueue)
	} else {
		b.notify(LevelInfo, storeName, op.ID, "saved offline, will sync when connected")
	}
	return op, nil
}

// attachUUID copies the cached uuid onto an update or delete so the server can
// resolve records whose numeric id it never saw.
func (b *Bridge) attachUUID(ctx context.Context, storeName string, payload offline.Record) {
	if payload.UUID() != "" {
		return
	}
	records, err := b.cache.Get(ctx, storeName)
	if err != nil {
		return
	}
	id := payload.ID()
	for _, record := range records {
		if record.ID() == id && record.UUID() != "" {
			payload["uuid"] = record.UUID()
			return
		}
	}
}

func (b *Bridge) VisibilityChanged(visible bool) {
	if visible {
		b.scheduler.Trigger(syncagent.TriggerVisible)
	}
}

// Unload makes one bounded flush attempt before the process goes away.
func (b *Bridge) Unload(ctx context.Context) (syncagent.FlushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.unloadTimeout)
	defer cancel()
	return b.scheduler.Flush(ctx, syncagent.TriggerUnload)
}

func (b *Bridge) LinkChanged(online bool) {
	b.scheduler.SetLinkState(online)
}

func (b *Bridge) Flush(ctx context.Context) (syncagent.FlushResult, error) {
	return b.scheduler.Flush(ctx, syncagent.TriggerManual)
}

func (b *Bridge) QueueStatus(ctx context.Context) (syncagent.Status, error) {
	return b.scheduler.Status(ctx)
}

// Collections lists the collections held in the local cache.
func (b *Bridge) Collections(ctx context.Context) ([]string, error) {
	return b.cache.Collections(ctx)
}

// Operations returns the whole queue, synced entries included.
func (b *Bridge) Operations(ctx context.Context) ([]offline.Operation, error) {
	return b.queue.All(ctx)
}

func (b *Bridge) DeadLetters(ctx context.Context) ([]offline.Operation, error) {
	return b.queue.DeadLetters(ctx)
}

func (b *Bridge) Retry(ctx context.Context, id string) (offline.Operation, error) {
	op, err := b.queue.Retry(ctx, id)
	if err != nil {
		return offline.Operation{}, err
	}
	b.scheduler.Trigger(syncagent.TriggerManual)
	return op, nil
}

func (b *Bridge) Discard(ctx context.Context, id string) (offline.Operation, error) {
	return b.queue.Discard(ctx, id)
}

// Notifications subscribes to cache, queue and notification events.
func (b *Bridge) Notifications(buffer int) (<-chan offline.Event, func()) {
	return b.hub.Subscribe(buffer)
}

// Run turns scheduler events into user-facing notifications until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	events, cancel := b.hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			b.translate(event)
		}
	}
}

func (b *Bridge) translate(event offline.Event) {
	switch event.Kind {
	case offline.EventFlushCompleted:
		if event.Synced > 0 {
			b.notify(LevelSuccess, "", "", fmt.Sprintf("%d change(s) synced", event.Synced))
		}
		if event.Failed > 0 {
			b.notify(LevelWarning, "", "", fmt.Sprintf("%d change(s) could not be synced and will be retried", event.Failed))
		}
	case offline.EventFlushFailed:
		b.notify(LevelError, "", "", "sync failed: "+event.Message)
	case offline.EventConnectionChanged:
		if event.Online {
			b.notify(LevelInfo, "", "", "back online, syncing pending changes")
		} else {
			b.notify(LevelWarning, "", "", "offline, changes will be kept on this device")
		}
	}
}

func (b *Bridge) notify(level, collection, operationID, message string) {
	b.hub.Publish(offline.Event{
		Kind:        offline.EventNotification,
		Collection:  collection,
		OperationID: operationID,
		Level:       level,
		Message:     message,
		At:          b.now().UTC(),
	})
}
