package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const temporaryIDPrefix = "temp-"

// Record is a cached entity: the visible fields of a server row plus either a
// temporary or an authoritative identifier.
type Record map[string]any

// ID returns the record identifier as a string, falling back to the uuid
// field when no id is present.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	if id := IdentifierString(r["id"]); id != "" {
		return id
	}
	return IdentifierString(r["uuid"])
}

func (r Record) UUID() string {
	if r == nil {
		return ""
	}
	return IdentifierString(r["uuid"])
}

func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Merge copies every field of patch over r and returns the result.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	for key, value := range patch {
		out[key] = value
	}
	return out
}

// IdentifierString renders an identifier for comparison so that 42, 42.0,
// "42" and json.Number("42") all match.
func IdentifierString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return normalizeNumeric(v.String())
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func normalizeNumeric(raw string) string {
	if !strings.ContainsAny(raw, ".eE") {
		return raw
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return raw
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix)
}

// NewTemporaryID mints temp-<unix millis>-<13 hex chars>.
func NewTemporaryID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d-%s", temporaryIDPrefix, now.UnixMilli(), random[:13])
}

func decodeRecords(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Record{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var records []Record
	if err := decoder.Decode(&records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
