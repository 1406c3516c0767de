package migrations

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestApplyRejectsUnknownDirectory(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	if err := Apply(db, "testdata/does-not-exist"); err == nil {
		t.Fatalf("expected error for missing migrations directory")
	}
}
