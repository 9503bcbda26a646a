package syncserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository is the tenant-scoped entity store behind the batch processor.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)
	List(ctx context.Context, spec *EntitySpec, tenant string) ([]Entity, error)
	Close() error
}

// Tx is one batch transaction. Soft-deleted rows are invisible to Find and
// FieldTaken but still own their uuid.
type Tx interface {
	LockTenant(ctx context.Context, spec *EntitySpec, tenant string) error
	Insert(ctx context.Context, spec *EntitySpec, tenant, uuid string, data map[string]any) (Entity, error)
	// Find resolves by uuid when ref carries one and by id otherwise.
	Find(ctx context.Context, spec *EntitySpec, tenant string, ref Ref) (Entity, error)
	FindByUUID(ctx context.Context, spec *EntitySpec, uuid string) (Entity, bool, error)
	FieldTaken(ctx context.Context, spec *EntitySpec, tenant, field string, value any, excludeID int64) (bool, error)
	Update(ctx context.Context, spec *EntitySpec, entity Entity, data map[string]any) (Entity, error)
	Delete(ctx context.Context, spec *EntitySpec, entity Entity) error
	Commit() error
	Rollback() error
}

type memoryTable struct {
	nextID int64
	rows   map[int64]Entity
}

func (t *memoryTable) clone() *memoryTable {
	out := &memoryTable{nextID: t.nextID, rows: make(map[int64]Entity, len(t.rows))}
	for id, row := range t.rows {
		out.rows[id] = row.clone()
	}
	return out
}

// MemoryRepository keeps entities in process. Transactions work on a copy
// that replaces the committed state on Commit; writers are serialized.
type MemoryRepository struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	tables map[string]*memoryTable
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tables: map[string]*memoryTable{}, now: time.Now}
}

func (r *MemoryRepository) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.txMu.Lock()
	r.mu.RLock()
	working := make(map[string]*memoryTable, len(r.tables))
	for name, table := range r.tables {
		working[name] = table.clone()
	}
	r.mu.RUnlock()
	return &memoryTx{repo: r, tables: working}, nil
}

func (r *MemoryRepository) List(_ context.Context, spec *EntitySpec, tenant string) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.tables[spec.Table]
	if !ok {
		return []Entity{}, nil
	}
	out := make([]Entity, 0, len(table.rows))
	for _, row := range table.rows {
		if row.TenantID == tenant && row.DeletedAt == nil {
			out = append(out, row.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

type memoryTx struct {
	repo   *MemoryRepository
	tables map[string]*memoryTable
	done   bool
}

func (tx *memoryTx) table(spec *EntitySpec) *memoryTable {
	table, ok := tx.tables[spec.Table]
	if !ok {
		table = &memoryTable{rows: map[int64]Entity{}}
		tx.tables[spec.Table] = table
	}
	return table
}

func (tx *memoryTx) LockTenant(context.Context, *EntitySpec, string) error {
	return nil
}

func (tx *memoryTx) Insert(_ context.Context, spec *EntitySpec, tenant, uuid string, data map[string]any) (Entity, error) {
	table := tx.table(spec)
	table.nextID++
	now := tx.repo.now().UTC()
	entity := Entity{
		ID:        table.nextID,
		UUID:      uuid,
		TenantID:  tenant,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	table.rows[entity.ID] = entity
	return entity.clone(), nil
}

func (tx *memoryTx) Find(_ context.Context, spec *EntitySpec, tenant string, ref Ref) (Entity, error) {
	table := tx.table(spec)
	if ref.UUID != "" {
		for _, row := range table.rows {
			if row.UUID == ref.UUID && row.TenantID == tenant && row.DeletedAt == nil {
				return row.clone(), nil
			}
		}
	} else if id, ok := ref.numericID(); ok {
		if row, found := table.rows[id]; found && row.TenantID == tenant && row.DeletedAt == nil {
			return row.clone(), nil
		}
	}
	return Entity{}, fmt.Errorf("%w: %s %s", ErrNotFound, spec.StoreName, describeRef(ref))
}

func (tx *memoryTx) FindByUUID(_ context.Context, spec *EntitySpec, uuid string) (Entity, bool, error) {
	for _, row := range tx.table(spec).rows {
		if row.UUID == uuid {
			return row.clone(), true, nil
		}
	}
	return Entity{}, false, nil
}

func (tx *memoryTx) FieldTaken(_ context.Context, spec *EntitySpec, tenant, field string, value any, excludeID int64) (bool, error) {
	want := identifierString(value)
	for _, row := range tx.table(spec).rows {
		if row.ID == excludeID || row.TenantID != tenant || row.DeletedAt != nil {
			continue
		}
		if current, ok := row.Data[field]; ok && identifierString(current) == want {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) Update(_ context.Context, spec *EntitySpec, entity Entity, data map[string]any) (Entity, error) {
	table := tx.table(spec)
	row, ok := table.rows[entity.ID]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s %d", ErrNotFound, spec.StoreName, entity.ID)
	}
	row.Data = cloneData(data)
	row.UpdatedAt = tx.repo.now().UTC()
	table.rows[row.ID] = row
	return row.clone(), nil
}

func (tx *memoryTx) Delete(_ context.Context, spec *EntitySpec, entity Entity) error {
	table := tx.table(spec)
	row, ok := table.rows[entity.ID]
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, spec.StoreName, entity.ID)
	}
	if spec.DeletePolicy == DeleteSoft {
		now := tx.repo.now().UTC()
		row.DeletedAt = &now
		row.UpdatedAt = now
		table.rows[row.ID] = row
		return nil
	}
	delete(table.rows, row.ID)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrInvalidInput
	}
	tx.done = true
	tx.repo.mu.Lock()
	tx.repo.tables = tx.tables
	tx.repo.mu.Unlock()
	tx.repo.txMu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.repo.txMu.Unlock()
	return nil
}

func describeRef(ref Ref) string {
	switch {
	case ref.UUID != "" && ref.ID != "":
		return fmt.Sprintf("uuid=%s id=%s", ref.UUID, ref.ID)
	case ref.UUID != "":
		return "uuid=" + ref.UUID
	default:
		return "id=" + ref.ID
	}
}
