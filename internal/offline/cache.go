package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/fieldsync/internal/localstore"
)

const collectionKeyPrefix = "collection:"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Cache is the record cache manager. Each collection is stored as one JSON
// array and all access to a collection is serialized.
type Cache struct {
	store localstore.Store
	hub   *Hub

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	gates map[string]*sync.Mutex
}

func NewCache(store localstore.Store, hub *Hub) *Cache {
	return &Cache{
		store: store,
		hub:   hub,
		locks: map[string]*sync.Mutex{},
		gates: map[string]*sync.Mutex{},
	}
}

func (c *Cache) lock(collection string) func() {
	return c.acquire(c.locks, collection)
}

// Hold serializes multi-step writers of one collection, such as a queued
// submission with its optimistic upsert or a server refresh with its pending
// overlay. It is independent of the per-call lock, so Cache methods may be
// used while holding it. Call the returned func to release.
func (c *Cache) Hold(collection string) func() {
	return c.acquire(c.gates, strings.TrimSpace(collection))
}

func (c *Cache) acquire(set map[string]*sync.Mutex, collection string) func() {
	c.mu.Lock()
	l, ok := set[collection]
	if !ok {
		l = &sync.Mutex{}
		set[collection] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *Cache) Get(ctx context.Context, collection string) ([]Record, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, ErrInvalidInput
	}
	unlock := c.lock(collection)
	defer unlock()
	return c.loadLocked(ctx, collection)
}

// ReplaceAll swaps the whole collection, as done after a refresh from the
// server.
func (c *Cache) ReplaceAll(ctx context.Context, collection string, records []Record) error {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return ErrInvalidInput
	}
	unlock := c.lock(collection)
	defer unlock()
	if records == nil {
		records = []Record{}
	}
	if err := c.saveLocked(ctx, collection, dedupe(records)); err != nil {
		return err
	}
	c.changed(collection)
	return nil
}

// Upsert merges record into the entry with the same identifier or appends it
// when none matches. It returns the stored record.
func (c *Cache) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" || record.ID() == "" {
		return nil, ErrInvalidInput
	}
	unlock := c.lock(collection)
	defer unlock()
	records, err := c.loadLocked(ctx, collection)
	if err != nil {
		return nil, err
	}
	stored := record.Clone()
	if i := indexOf(records, record.ID()); i >= 0 {
		stored = records[i].Merge(record)
		records[i] = stored
	} else {
		records = append(records, stored)
	}
	if err := c.saveLocked(ctx, collection, records); err != nil {
		return nil, err
	}
	c.changed(collection)
	return stored, nil
}

// Remove deletes the record with id. It reports whether a record was removed.
func (c *Cache) Remove(ctx context.Context, collection, id string) (bool, error) {
	collection = strings.TrimSpace(collection)
	id = strings.TrimSpace(id)
	if collection == "" || id == "" {
		return false, ErrInvalidInput
	}
	unlock := c.lock(collection)
	defer unlock()
	records, err := c.loadLocked(ctx, collection)
	if err != nil {
		return false, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return false, nil
	}
	records = append(records[:i], records[i+1:]...)
	if err := c.saveLocked(ctx, collection, records); err != nil {
		return false, err
	}
	c.changed(collection)
	return true, nil
}

// Rekey replaces the record known as fromID with record, merged over the old
// fields. It is used when a temporary identifier is confirmed by the server.
func (c *Cache) Rekey(ctx context.Context, collection, fromID string, record Record) error {
	collection = strings.TrimSpace(collection)
	if collection == "" || record.ID() == "" {
		return ErrInvalidInput
	}
	unlock := c.lock(collection)
	defer unlock()
	records, err := c.loadLocked(ctx, collection)
	if err != nil {
		return err
	}
	if i := indexOf(records, fromID); i >= 0 {
		records[i] = records[i].Merge(record)
	} else if j := indexOf(records, record.ID()); j >= 0 {
		records[j] = records[j].Merge(record)
	} else {
		records = append(records, record.Clone())
	}
	if err := c.saveLocked(ctx, collection, dedupe(records)); err != nil {
		return err
	}
	c.changed(collection)
	return nil
}

// Collections lists the collections that have been stored at least once.
func (c *Cache) Collections(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, collectionKeyPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, collectionKeyPrefix))
	}
	return names, nil
}

func (c *Cache) loadLocked(ctx context.Context, collection string) ([]Record, error) {
	data, ok, err := c.store.Get(ctx, collectionKeyPrefix+collection)
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", collection, err)
	}
	if !ok {
		return []Record{}, nil
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", collection, err)
	}
	return records, nil
}

func (c *Cache) saveLocked(ctx context.Context, collection string, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, collectionKeyPrefix+collection, data); err != nil {
		return fmt.Errorf("save collection %s: %w", collection, err)
	}
	return nil
}

func (c *Cache) changed(collection string) {
	c.hub.Publish(Event{Kind: EventCollectionChanged, Collection: collection})
}

func indexOf(records []Record, id string) int {
	if id == "" {
		return -1
	}
	for i, record := range records {
		if record.ID() == id {
			return i
		}
	}
	return -1
}

// dedupe keeps the last record for each identifier, in first-seen order.
func dedupe(records []Record) []Record {
	out := make([]Record, 0, len(records))
	positions := map[string]int{}
	for _, record := range records {
		id := record.ID()
		if id == "" {
			out = append(out, record)
			continue
		}
		if pos, ok := positions[id]; ok {
			out[pos] = record
			continue
		}
		positions[id] = len(out)
		out = append(out, record)
	}
	return out
}
