package syncserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name       string
	driver     string
	numbered   bool
	tableDDL   func(table string) []string
	jsonText   func(field string) string
	timeValue  func(t time.Time) any
	lockTenant func(ctx context.Context, tx *sql.Tx, table, tenant string) error
	configure  func(db *sql.DB) error
}

var postgresDialect = sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	numbered: true,
	tableDDL: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					uuid TEXT NOT NULL UNIQUE,
					tenant_id TEXT NOT NULL,
					data JSONB NOT NULL DEFAULT '{}'::jsonb,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMPTZ
				)`, quoteIdentifier(table)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, id)",
				quoteIdentifier(table+"_tenant_id_idx"), quoteIdentifier(table)),
		}
	},
	jsonText: func(field string) string {
		return fmt.Sprintf("data->>'%s'", field)
	},
	timeValue: func(t time.Time) any {
		return t.UTC()
	},
	lockTenant: func(ctx context.Context, tx *sql.Tx, table, tenant string) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", tenantLockKey(table, tenant))
		return err
	},
}

var sqliteDialect = sqlDialect{
	name:   "sqlite",
	driver: "sqlite",
	tableDDL: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL UNIQUE,
					tenant_id TEXT NOT NULL,
					data TEXT NOT NULL DEFAULT '{}',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					deleted_at TEXT
				)`, quoteIdentifier(table)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, id)",
				quoteIdentifier(table+"_tenant_id_idx"), quoteIdentifier(table)),
		}
	},
	jsonText: func(field string) string {
		return fmt.Sprintf("CAST(json_extract(data, '$.%s') AS TEXT)", field)
	},
	timeValue: func(t time.Time) any {
		return t.UTC().Format(time.RFC3339Nano)
	},
	lockTenant: func(context.Context, *sql.Tx, string, string) error {
		return nil
	},
	configure: func(db *sql.DB) error {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				return err
			}
		}
		return nil
	},
}

// SQLRepository stores each entity spec in its own table of
// (id, uuid, tenant_id, data, created_at, updated_at, deleted_at).
type SQLRepository struct {
	dsn      string
	dialect  sqlDialect
	registry *Registry
	openDB   sqlOpenFunc
	now      func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string, registry *Registry) (*SQLRepository, error) {
	return newSQLRepository(dsn, postgresDialect, registry)
}

func NewSQLiteRepository(path string, registry *Registry) (*SQLRepository, error) {
	return newSQLRepository(path, sqliteDialect, registry)
}

func newSQLRepository(dsn string, dialect sqlDialect, registry *Registry) (*SQLRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || registry == nil {
		return nil, ErrInvalidInput
	}
	return &SQLRepository{
		dsn:      dsn,
		dialect:  dialect,
		registry: registry,
		openDB:   sql.Open,
		now:      time.Now,
	}, nil
}

func (r *SQLRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB(r.dialect.driver, r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		if r.dialect.configure != nil {
			if err := r.dialect.configure(db); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, spec := range r.registry.Specs() {
			for _, ddl := range r.dialect.tableDDL(spec.Table) {
				if _, err := db.ExecContext(ctx, ddl); err != nil {
					_ = db.Close()
					r.initErr = fmt.Errorf("create table %s: %w", spec.Table, err)
					return
				}
			}
		}
		r.db = db
	})
	return r.initErr
}

func (r *SQLRepository) Begin(ctx context.Context) (Tx, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{repo: r, tx: tx}, nil
}

func (r *SQLRepository) List(ctx context.Context, spec *EntitySpec, tenant string) ([]Entity, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query := r.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY id ASC",
		entityColumns, quoteIdentifier(spec.Table)))
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// rebind turns ? placeholders into $n for dialects that number them.
func (r *SQLRepository) rebind(query string) string {
	if !r.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

const entityColumns = "id, uuid, tenant_id, data, created_at, updated_at, deleted_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var (
		entity    Entity
		data      []byte
		createdAt sql.NullString
		updatedAt sql.NullString
		deletedAt sql.NullString
	)
	if err := row.Scan(&entity.ID, &entity.UUID, &entity.TenantID, &data, &createdAt, &updatedAt, &deletedAt); err != nil {
		return Entity{}, err
	}
	decoded, err := decodeData(data)
	if err != nil {
		return Entity{}, err
	}
	entity.Data = decoded
	entity.CreatedAt = parseStoredTime(createdAt)
	entity.UpdatedAt = parseStoredTime(updatedAt)
	if deletedAt.Valid {
		t := parseStoredTime(deletedAt)
		entity.DeletedAt = &t
	}
	return entity, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode entity data: %w", err)
	}
	return out, nil
}

func parseStoredTime(value sql.NullString) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, value.String); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type sqlTx struct {
	repo *SQLRepository
	tx   *sql.Tx
}

func (t *sqlTx) LockTenant(ctx context.Context, spec *EntitySpec, tenant string) error {
	return t.repo.dialect.lockTenant(ctx, t.tx, spec.Table, tenant)
}

func (t *sqlTx) Insert(ctx context.Context, spec *EntitySpec, tenant, uuid string, data map[string]any) (Entity, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Entity{}, err
	}
	now := t.repo.now().UTC()
	query := t.repo.rebind(fmt.Sprintf(
		"INSERT INTO %s (uuid, tenant_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
		quoteIdentifier(spec.Table)))
	timeValue := t.repo.dialect.timeValue(now)
	var id int64
	if err := t.tx.QueryRowContext(ctx, query, uuid, tenant, string(payload), timeValue, timeValue).Scan(&id); err != nil {
		return Entity{}, fmt.Errorf("insert %s: %w", spec.StoreName, err)
	}
	return Entity{
		ID:        id,
		UUID:      uuid,
		TenantID:  tenant,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (t *sqlTx) Find(ctx context.Context, spec *EntitySpec, tenant string, ref Ref) (Entity, error) {
	if ref.UUID != "" {
		query := t.repo.rebind(fmt.Sprintf(
			"SELECT %s FROM %s WHERE uuid = ? AND tenant_id = ? AND deleted_at IS NULL",
			entityColumns, quoteIdentifier(spec.Table)))
		entity, err := scanEntity(t.tx.QueryRowContext(ctx, query, ref.UUID, tenant))
		if err == nil {
			return entity, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Entity{}, err
		}
	} else if id, ok := ref.numericID(); ok {
		query := t.repo.rebind(fmt.Sprintf(
			"SELECT %s FROM %s WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL",
			entityColumns, quoteIdentifier(spec.Table)))
		entity, err := scanEntity(t.tx.QueryRowContext(ctx, query, id, tenant))
		if err == nil {
			return entity, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Entity{}, err
		}
	}
	return Entity{}, fmt.Errorf("%w: %s %s", ErrNotFound, spec.StoreName, describeRef(ref))
}

func (t *sqlTx) FindByUUID(ctx context.Context, spec *EntitySpec, uuid string) (Entity, bool, error) {
	query := t.repo.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE uuid = ?", entityColumns, quoteIdentifier(spec.Table)))
	entity, err := scanEntity(t.tx.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, err
	}
	return entity, true, nil
}

func (t *sqlTx) FieldTaken(ctx context.Context, spec *EntitySpec, tenant, field string, value any, excludeID int64) (bool, error) {
	if !identifierPattern.MatchString(field) {
		return false, fmt.Errorf("%w: field %q", ErrInvalidInput, field)
	}
	query := t.repo.rebind(fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE tenant_id = ? AND deleted_at IS NULL AND id <> ? AND %s = ?",
		quoteIdentifier(spec.Table), t.repo.dialect.jsonText(field)))
	var count int
	if err := t.tx.QueryRowContext(ctx, query, tenant, excludeID, identifierString(value)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *sqlTx) Update(ctx context.Context, spec *EntitySpec, entity Entity, data map[string]any) (Entity, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Entity{}, err
	}
	now := t.repo.now().UTC()
	query := t.repo.rebind(fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", quoteIdentifier(spec.Table)))
	if _, err := t.tx.ExecContext(ctx, query, string(payload), t.repo.dialect.timeValue(now), entity.ID); err != nil {
		return Entity{}, fmt.Errorf("update %s: %w", spec.StoreName, err)
	}
	entity.Data = cloneData(data)
	entity.UpdatedAt = now
	return entity, nil
}

func (t *sqlTx) Delete(ctx context.Context, spec *EntitySpec, entity Entity) error {
	if spec.DeletePolicy == DeleteSoft {
		now := t.repo.dialect.timeValue(t.repo.now())
		query := t.repo.rebind(fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?", quoteIdentifier(spec.Table)))
		_, err := t.tx.ExecContext(ctx, query, now, now, entity.ID)
		return err
	}
	query := t.repo.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdentifier(spec.Table)))
	_, err := t.tx.ExecContext(ctx, query, entity.ID)
	return err
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func tenantLockKey(table, tenant string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(tenant)))
	return int64(hasher.Sum64())
}
