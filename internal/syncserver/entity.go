package syncserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fields the client may send but never writes directly.
var reservedFields = []string{"id", "uuid", "tenant_id", "company_id", "created_at", "updated_at", "deleted_at"}

type Entity struct {
	ID        int64
	UUID      string
	TenantID  string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Record renders the entity the way clients cache it.
func (e Entity) Record() map[string]any {
	out := make(map[string]any, len(e.Data)+4)
	for key, value := range e.Data {
		out[key] = value
	}
	out["id"] = e.ID
	out["uuid"] = e.UUID
	out["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

func (e Entity) clone() Entity {
	out := e
	out.Data = cloneData(e.Data)
	if e.DeletedAt != nil {
		deletedAt := *e.DeletedAt
		out.DeletedAt = &deletedAt
	}
	return out
}

// Ref identifies an existing entity. UUID wins over ID when both are set.
type Ref struct {
	ID   string
	UUID string
}

func (r Ref) Empty() bool {
	return r.ID == "" && r.UUID == ""
}

func (r Ref) numericID() (int64, bool) {
	if r.ID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// temporaryIDPrefix marks ids minted offline before the server assigned one.
const temporaryIDPrefix = "temp-"

func refFromPayload(payload map[string]any) Ref {
	return Ref{ID: identifierString(payload["id"]), UUID: identifierString(payload["uuid"])}
}

func stripReserved(payload map[string]any) map[string]any {
	out := cloneData(payload)
	for _, field := range reservedFields {
		delete(out, field)
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		out[key] = value
	}
	return out
}

func identifierString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}
