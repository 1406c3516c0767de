package audit

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/troop/coordinator/internal/app/storage"
)

func TestRecordWritesFileLineAndAuditRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	mem := storage.NewMemory()

	sink, err := New(path, mem, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer sink.Close()

	sink.Authorization(context.Background(), "client-1", "llama3-8b", "node-1", "1.2.3.4", true, "")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineCount := 0
	for scanner.Scan() {
		lineCount++
	}
	if lineCount != 1 {
		t.Fatalf("expected exactly one audit line, got %d", lineCount)
	}

	rows, total, err := mem.ListAudit(context.Background(), storage.AuditFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected one audit row, got %d", total)
	}
	if rows[0].UserID != "client-1" {
		t.Fatalf("unexpected user id: %q", rows[0].UserID)
	}
}

func TestSecurityMergesDetails(t *testing.T) {
	dir := t.TempDir()
	mem := storage.NewMemory()
	sink, err := New(filepath.Join(dir, "audit.log"), mem, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer sink.Close()

	sink.Security(context.Background(), "invalid_receipt", "5.6.7.8", map[string]any{"job_id": "job-1"})

	rows, _, err := mem.ListAudit(context.Background(), storage.AuditFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row")
	}
	if rows[0].Details["type"] != "invalid_receipt" || rows[0].Details["job_id"] != "job-1" {
		t.Fatalf("unexpected details: %+v", rows[0].Details)
	}
}
