package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusSuccess         = "success"
	StatusValidationError = "validation_error"
	StatusError           = "error"
)

const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeStoreNotMapped   = "store_not_mapped"
	CodeUnknownAction    = "unknown_action"
	CodeInvalidOperation = "invalid_operation"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Item is one queued client operation as submitted in a batch.
type Item struct {
	StoreName string         `json:"storeName"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

type ItemResult struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Action    string `json:"action"`
	StoreName string `json:"storeName"`
	Timestamp string `json:"timestamp"`
	LocalID   any    `json:"local_id,omitempty"`
	ServerID  int64  `json:"server_id,omitempty"`
	ID        int64  `json:"id,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type ItemError struct {
	Index     int                 `json:"index"`
	Status    string              `json:"status"`
	Code      string              `json:"code"`
	Message   string              `json:"message"`
	Errors    map[string][]string `json:"errors,omitempty"`
	StoreName string              `json:"storeName,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
	Item      json.RawMessage     `json:"item"`
}

type BatchResult struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	Results     []ItemResult `json:"results"`
	Errors      []ItemError  `json:"errors,omitempty"`
	SyncedCount int          `json:"synced_count"`
	ErrorsCount int          `json:"errors_count,omitempty"`
}

type ProcessorOptions struct {
	Logger *slog.Logger
}

// Processor applies batches of client operations for one tenant at a time.
type Processor struct {
	registry *Registry
	repo     Repository
	logger   *slog.Logger
}

func NewProcessor(registry *Registry, repo Repository, opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Processor{registry: registry, repo: repo, logger: logger}
}

func (p *Processor) Registry() *Registry {
	return p.registry
}

// ProcessBatch applies queue in order inside one transaction. Per-item
// failures are reported and skipped; any other failure rolls the whole batch
// back and is returned as a *FatalError.
func (p *Processor) ProcessBatch(ctx context.Context, tenant string, queue []json.RawMessage) (BatchResult, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return BatchResult{}, fmt.Errorf("%w: missing tenant", ErrInvalidInput)
	}
	if len(queue) == 0 {
		return BatchResult{Success: true, Message: "nothing to sync", Results: []ItemResult{}}, nil
	}
	started := time.Now()
	tx, err := p.repo.Begin(ctx)
	if err != nil {
		return BatchResult{}, &FatalError{Index: -1, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b := &batch{
		tx:      tx,
		tenant:  tenant,
		aliases: map[aliasKey]Ref{},
		created: map[string]int64{},
		locked:  map[string]bool{},
	}
	result := BatchResult{Results: []ItemResult{}}
	for index, raw := range queue {
		item, decodeErr := decodeItem(raw)
		var applied ItemResult
		itemErr := decodeErr
		if itemErr == nil {
			applied, itemErr = p.apply(ctx, b, item)
		}
		if itemErr == nil {
			applied.Index = index
			applied.Status = StatusSuccess
			applied.StoreName = item.StoreName
			applied.Timestamp = item.Timestamp
			result.Results = append(result.Results, applied)
			continue
		}
		rejected, ok := classifyItemError(itemErr)
		if !ok {
			p.logger.Error("sync batch aborted", "tenant", tenant, "index", index, "store", item.StoreName, "action", item.Action, "error", itemErr)
			return BatchResult{}, &FatalError{Index: index, Err: itemErr}
		}
		rejected.Index = index
		rejected.StoreName = item.StoreName
		rejected.Timestamp = item.Timestamp
		rejected.Item = append(json.RawMessage(nil), raw...)
		result.Errors = append(result.Errors, rejected)
		p.logger.Warn("sync item rejected", "tenant", tenant, "index", index, "store", item.StoreName, "action", item.Action, "code", rejected.Code, "error", itemErr)
	}
	if err := tx.Commit(); err != nil {
		p.logger.Error("sync batch commit failed", "tenant", tenant, "error", err)
		return BatchResult{}, &FatalError{Index: -1, Err: err}
	}
	committed = true

	result.SyncedCount = len(result.Results)
	result.ErrorsCount = len(result.Errors)
	result.Success = result.ErrorsCount == 0
	if result.Success {
		result.Message = fmt.Sprintf("synced %d operations", result.SyncedCount)
	} else {
		result.Message = fmt.Sprintf("synced %d of %d operations, %d failed", result.SyncedCount, len(queue), result.ErrorsCount)
	}
	p.logger.Info("sync batch applied",
		"tenant", tenant,
		"items", len(queue),
		"synced", result.SyncedCount,
		"failed", result.ErrorsCount,
		"duration", time.Since(started))
	return result, nil
}

// List returns the tenant's live records of one collection.
func (p *Processor) List(ctx context.Context, tenant, storeName string) ([]map[string]any, error) {
	spec, err := p.registry.Lookup(storeName)
	if err != nil {
		return nil, err
	}
	entities, err := p.repo.List(ctx, spec, tenant)
	if err != nil {
		return nil, err
	}
	records := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		records = append(records, entity.Record())
	}
	return records, nil
}

type aliasKey struct {
	store string
	id    string
}

type batch struct {
	tx      Tx
	tenant  string
	aliases map[aliasKey]Ref
	created map[string]int64
	locked  map[string]bool
}

func (b *batch) lock(ctx context.Context, spec *EntitySpec) error {
	if b.locked[spec.Table] {
		return nil
	}
	if err := b.tx.LockTenant(ctx, spec, b.tenant); err != nil {
		return err
	}
	b.locked[spec.Table] = true
	return nil
}

// resolve maps a temporary id created earlier in the same batch to the new
// entity. Only ids with the temporary prefix are aliased; any other id names
// an existing server record.
func (b *batch) resolve(spec *EntitySpec, payload map[string]any) (Ref, error) {
	ref := refFromPayload(payload)
	if alias, ok := b.aliases[aliasKey{store: spec.StoreName, id: ref.ID}]; ok && ref.ID != "" {
		return alias, nil
	}
	if ref.Empty() {
		return Ref{}, ErrMissingIdentifier
	}
	return ref, nil
}

func (b *batch) remember(spec *EntitySpec, localID any, entity Entity) {
	id := identifierString(localID)
	if !strings.HasPrefix(id, temporaryIDPrefix) {
		return
	}
	b.aliases[aliasKey{store: spec.StoreName, id: id}] = Ref{ID: strconv.FormatInt(entity.ID, 10), UUID: entity.UUID}
	b.created[id] = entity.ID
}

// linkCreated replaces references to temporary ids created earlier in the
// batch, such as a visit's client_id, with the assigned server ids.
func (b *batch) linkCreated(data map[string]any) {
	if len(b.created) == 0 {
		return
	}
	for field, value := range data {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if id, found := b.created[text]; found {
			data[field] = json.Number(strconv.FormatInt(id, 10))
		}
	}
}

func decodeItem(raw json.RawMessage) (Item, error) {
	var item Item
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&item); err != nil {
		return Item{}, ErrInvalidOperation
	}
	item.StoreName = strings.TrimSpace(item.StoreName)
	item.Action = strings.TrimSpace(item.Action)
	if item.StoreName == "" || item.Action == "" || item.Payload == nil {
		return item, ErrInvalidOperation
	}
	return item, nil
}

func (p *Processor) apply(ctx context.Context, b *batch, item Item) (ItemResult, error) {
	spec, err := p.registry.Lookup(item.StoreName)
	if err != nil {
		return ItemResult{}, err
	}
	switch item.Action {
	case ActionCreate:
		return p.create(ctx, b, spec, item.Payload)
	case ActionUpdate:
		return p.update(ctx, b, spec, item.Payload)
	case ActionDelete:
		return p.delete(ctx, b, spec, item.Payload)
	default:
		return ItemResult{}, fmt.Errorf("%w: %s", ErrUnknownAction, item.Action)
	}
}

func (p *Processor) create(ctx context.Context, b *batch, spec *EntitySpec, payload map[string]any) (ItemResult, error) {
	localID := payload["id"]
	if err := b.lock(ctx, spec); err != nil {
		return ItemResult{}, err
	}
	entityUUID := identifierString(payload["uuid"])
	if entityUUID != "" {
		existing, found, err := b.tx.FindByUUID(ctx, spec, entityUUID)
		if err != nil {
			return ItemResult{}, err
		}
		if found {
			if existing.TenantID != b.tenant {
				verr := NewValidationError()
				verr.Add("uuid", "uuid is already in use")
				return ItemResult{}, verr
			}
			b.remember(spec, localID, existing)
			return ItemResult{
				Action:   ActionCreate,
				LocalID:  localID,
				ServerID: existing.ID,
				UUID:     existing.UUID,
				Replayed: true,
			}, nil
		}
	} else {
		entityUUID = uuid.NewString()
	}

	data := stripReserved(payload)
	b.linkCreated(data)
	if err := p.validate(ctx, b, spec, data, data, 0); err != nil {
		return ItemResult{}, err
	}
	entity, err := b.tx.Insert(ctx, spec, b.tenant, entityUUID, data)
	if err != nil {
		return ItemResult{}, err
	}
	b.remember(spec, localID, entity)
	return ItemResult{
		Action:   ActionCreate,
		LocalID:  localID,
		ServerID: entity.ID,
		UUID:     entity.UUID,
	}, nil
}

func (p *Processor) update(ctx context.Context, b *batch, spec *EntitySpec, payload map[string]any) (ItemResult, error) {
	ref, err := b.resolve(spec, payload)
	if err != nil {
		return ItemResult{}, err
	}
	if err := b.lock(ctx, spec); err != nil {
		return ItemResult{}, err
	}
	entity, err := b.tx.Find(ctx, spec, b.tenant, ref)
	if err != nil {
		return ItemResult{}, err
	}
	changes := stripReserved(payload)
	b.linkCreated(changes)
	merged := cloneData(entity.Data)
	for field, value := range changes {
		merged[field] = value
	}
	if err := p.validate(ctx, b, spec, merged, changes, entity.ID); err != nil {
		return ItemResult{}, err
	}
	updated, err := b.tx.Update(ctx, spec, entity, merged)
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{
		Action:   ActionUpdate,
		ServerID: updated.ID,
		ID:       updated.ID,
		UUID:     updated.UUID,
	}, nil
}

func (p *Processor) delete(ctx context.Context, b *batch, spec *EntitySpec, payload map[string]any) (ItemResult, error) {
	ref, err := b.resolve(spec, payload)
	if err != nil {
		return ItemResult{}, err
	}
	if err := b.lock(ctx, spec); err != nil {
		return ItemResult{}, err
	}
	entity, err := b.tx.Find(ctx, spec, b.tenant, ref)
	if err != nil {
		return ItemResult{}, err
	}
	if err := b.tx.Delete(ctx, spec, entity); err != nil {
		return ItemResult{}, err
	}
	return ItemResult{
		Action:   ActionDelete,
		ServerID: entity.ID,
		ID:       entity.ID,
		UUID:     entity.UUID,
	}, nil
}

// validate checks required fields and the schema against the full record,
// and uniqueness only for fields present in changes.
func (p *Processor) validate(ctx context.Context, b *batch, spec *EntitySpec, record, changes map[string]any, excludeID int64) error {
	verr := NewValidationError()
	for _, field := range spec.Required {
		if isBlank(record[field]) {
			verr.Add(field, fmt.Sprintf("%s is required", field))
		}
	}
	if err := validateSchema(spec.schema, record, verr); err != nil {
		return err
	}
	for _, field := range spec.Unique {
		value, ok := changes[field]
		if !ok || isBlank(value) {
			continue
		}
		taken, err := b.tx.FieldTaken(ctx, spec, b.tenant, field, value, excludeID)
		if err != nil {
			return err
		}
		if taken {
			verr.Add(field, fmt.Sprintf("%s has already been taken", field))
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// classifyItemError reports whether err is a per-item failure and how it is
// presented to the client.
func classifyItemError(err error) (ItemError, bool) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return ItemError{Status: StatusValidationError, Code: CodeValidation, Message: "validation failed", Errors: verr.Fields}, true
	case errors.Is(err, ErrNotFound):
		return ItemError{Status: StatusError, Code: CodeNotFound, Message: err.Error()}, true
	case errors.Is(err, ErrStoreNotMapped):
		return ItemError{Status: StatusError, Code: CodeStoreNotMapped, Message: err.Error()}, true
	case errors.Is(err, ErrUnknownAction):
		return ItemError{Status: StatusError, Code: CodeUnknownAction, Message: err.Error()}, true
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrMissingIdentifier):
		return ItemError{Status: StatusError, Code: CodeInvalidOperation, Message: err.Error()}, true
	default:
		return ItemError{}, false
	}
}
