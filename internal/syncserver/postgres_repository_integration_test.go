package syncserver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("FIELDSYNC_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresRepositoryAppliesBatches(t *testing.T) {
	dsn := postgresTestDSN(t)
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	registry, err := NewRegistry(
		EntitySpec{StoreName: "clients", Table: "it_clients_" + suffix, Required: []string{"name"}, Unique: []string{"document"}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	repo, err := NewPostgresRepository(dsn, registry)
	if err != nil {
		t.Fatalf("open postgres repository: %v", err)
	}
	defer func() {
		if repo.db != nil {
			_, _ = repo.db.Exec("DROP TABLE IF EXISTS " + quoteIdentifier("it_clients_"+suffix))
		}
		_ = repo.Close()
	}()

	processor := NewProcessor(registry, repo, ProcessorOptions{})
	ctx := context.Background()
	result, err := processor.ProcessBatch(ctx, "tenant-a", rawQueue(t,
		op("clients", "create", map[string]any{"id": "temp-1", "name": "Acme", "document": "1"}, "t1"),
		op("clients", "update", map[string]any{"id": "temp-1", "city": "Porto"}, "t2"),
		op("clients", "create", map[string]any{"name": "Dup", "document": "1"}, "t3"),
	))
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(result.Results) != 2 || len(result.Errors) != 1 {
		t.Fatalf("expected 2 results and 1 error, got %+v", result)
	}
	records, err := processor.List(ctx, "tenant-a", "clients")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0]["city"] != "Porto" {
		t.Fatalf("expected merged client, got %+v", records)
	}
}
