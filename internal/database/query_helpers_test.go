package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

// countingLogger records how often each level was hit
type countingLogger struct {
	errors, warnings int
}

func (l *countingLogger) Error(msg, category string) { l.errors++ }
func (l *countingLogger) Info(msg, category string)  {}
func (l *countingLogger) Warn(msg, category string)  { l.warnings++ }

type hashRow struct {
	Filename string
	Hash     string
	Size     int64
}

func scanHashRow(row *sql.Row) (*hashRow, error) {
	var r hashRow
	err := row.Scan(&r.Filename, &r.Hash, &r.Size)
	return &r, err
}

func TestQueryRowSingle(t *testing.T) {
	sqlm := newTestManager(t, nil)
	ctx := context.Background()
	if err := sqlm.SaveFileHash(ctx, "inputs/cat.png", "abc123", 42); err != nil {
		t.Fatalf("SaveFileHash failed: %v", err)
	}

	t.Run("row found", func(t *testing.T) {
		logger := &countingLogger{}
		row, err := QueryRowSingle(ctx, sqlm.GetDB(),
			"SELECT filename, hash, size FROM file_hashes WHERE filename = ?",
			scanHashRow, logger, "test", "inputs/cat.png")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if row == nil || row.Hash != "abc123" || row.Size != 42 {
			t.Errorf("Unexpected row: %+v", row)
		}
	})

	t.Run("no row is nil without error", func(t *testing.T) {
		logger := &countingLogger{}
		row, err := QueryRowSingle(ctx, sqlm.GetDB(),
			"SELECT filename, hash, size FROM file_hashes WHERE filename = ?",
			scanHashRow, logger, "test", "missing.png")
		if err != nil || row != nil {
			t.Errorf("Expected nil, nil; got %+v, %v", row, err)
		}
		if logger.errors != 0 {
			t.Errorf("A missing row must not be logged as an error")
		}
	})

	t.Run("scan error is logged and returned", func(t *testing.T) {
		logger := &countingLogger{}
		_, err := QueryRowSingle(ctx, sqlm.GetDB(),
			"SELECT filename, hash FROM file_hashes WHERE filename = ?",
			scanHashRow, logger, "test", "inputs/cat.png")
		if err == nil {
			t.Fatal("Expected a column count error")
		}
		if logger.errors != 1 {
			t.Errorf("Expected one logged error, got %d", logger.errors)
		}
	})
}

func TestQueryRows(t *testing.T) {
	sqlm := newTestManager(t, nil)
	ctx := context.Background()
	for i, name := range []string{"a.png", "b.png", "c.png"} {
		if err := sqlm.SaveFileHash(ctx, name, "hash-"+name, int64(i)); err != nil {
			t.Fatalf("SaveFileHash failed: %v", err)
		}
	}

	t.Run("all rows in order", func(t *testing.T) {
		rows, err := QueryRows(ctx, sqlm.GetDB(),
			"SELECT filename, hash, size FROM file_hashes ORDER BY filename",
			func(rows *sql.Rows) (*hashRow, error) {
				var r hashRow
				err := rows.Scan(&r.Filename, &r.Hash, &r.Size)
				return &r, err
			},
			&countingLogger{}, "test")
		if err != nil {
			t.Fatalf("QueryRows failed: %v", err)
		}
		if len(rows) != 3 || rows[0].Filename != "a.png" || rows[2].Size != 2 {
			t.Errorf("Unexpected rows: %+v", rows)
		}
	})

	t.Run("empty result is an empty slice", func(t *testing.T) {
		rows, err := QueryRows(ctx, sqlm.GetDB(),
			"SELECT filename, hash, size FROM file_hashes WHERE size > 100",
			func(rows *sql.Rows) (*hashRow, error) { return &hashRow{}, nil },
			&countingLogger{}, "test")
		if err != nil {
			t.Fatalf("QueryRows failed: %v", err)
		}
		if rows == nil || len(rows) != 0 {
			t.Errorf("Expected empty non-nil slice, got %#v", rows)
		}
	})

	t.Run("rows that fail to scan are skipped", func(t *testing.T) {
		logger := &countingLogger{}
		rows, err := QueryRows(ctx, sqlm.GetDB(),
			"SELECT filename, hash, size FROM file_hashes ORDER BY filename",
			func(rows *sql.Rows) (*hashRow, error) {
				var r hashRow
				if err := rows.Scan(&r.Filename, &r.Hash, &r.Size); err != nil {
					return nil, err
				}
				if r.Filename == "b.png" {
					return nil, errors.New("rejected")
				}
				return &r, nil
			},
			logger, "test")
		if err != nil {
			t.Fatalf("QueryRows failed: %v", err)
		}
		if len(rows) != 2 || logger.warnings != 1 {
			t.Errorf("Expected 2 rows and 1 warning, got %d rows and %d warnings", len(rows), logger.warnings)
		}
	})

	t.Run("invalid query is logged", func(t *testing.T) {
		logger := &countingLogger{}
		_, err := QueryRows(ctx, sqlm.GetDB(), "SELECT nope FROM nowhere",
			func(rows *sql.Rows) (*hashRow, error) { return &hashRow{}, nil }, logger, "test")
		if err == nil || logger.errors != 1 {
			t.Errorf("Expected a logged error, got err=%v errors=%d", err, logger.errors)
		}
	})
}

func TestExecWithAffectedRowsCheck(t *testing.T) {
	sqlm := newTestManager(t, nil)
	ctx := context.Background()
	if err := sqlm.SaveFileHash(ctx, "x.png", "h", 1); err != nil {
		t.Fatalf("SaveFileHash failed: %v", err)
	}

	n, err := ExecWithAffectedRowsCheck(ctx, sqlm.GetDB(),
		"UPDATE file_hashes SET size = ? WHERE filename = ?", &countingLogger{}, "test", 5, "x.png")
	if err != nil || n != 1 {
		t.Errorf("Expected one updated row, got %d, %v", n, err)
	}

	_, err = ExecWithAffectedRowsCheck(ctx, sqlm.GetDB(),
		"UPDATE file_hashes SET size = ? WHERE filename = ?", &countingLogger{}, "test", 5, "y.png")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Expected sql.ErrNoRows for a missing row, got %v", err)
	}
}

func TestHelpersInsideTransaction(t *testing.T) {
	sqlm := newTestManager(t, nil)
	ctx := context.Background()

	tx, err := sqlm.GetDB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if _, err := ExecWithLogging(ctx, tx,
		"INSERT INTO file_hashes (filename, hash, size, updated_at) VALUES (?, ?, ?, ?)",
		&countingLogger{}, "test", "tx.png", "h", 3, toMillis(time.Now())); err != nil {
		t.Fatalf("Insert in transaction failed: %v", err)
	}

	row, err := QueryRowSingle(ctx, tx,
		"SELECT filename, hash, size FROM file_hashes WHERE filename = ?",
		scanHashRow, &countingLogger{}, "test", "tx.png")
	if err != nil || row == nil {
		t.Fatalf("Expected the row inside the transaction, got %v, %v", row, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := sqlm.GetFileHash(ctx, "tx.png"); err == nil {
		t.Errorf("Rolled back row must not be visible")
	}
}

func TestNullableScanners(t *testing.T) {
	if got := ScanNullableString(sql.NullString{}); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
	if got := ScanNullableString(sql.NullString{String: "v", Valid: true}); got != "v" {
		t.Errorf("Expected v, got %q", got)
	}
	if got := ScanNullableInt64(sql.NullInt64{}); got != nil {
		t.Errorf("Expected nil, got %v", *got)
	}
	if got := ScanNullableInt64(sql.NullInt64{Int64: 7, Valid: true}); got == nil || *got != 7 {
		t.Errorf("Expected 7, got %v", got)
	}

	now := time.Now().Truncate(time.Millisecond)
	if got := ScanNullableTime(nullableMillis(&now)); got == nil || !got.Equal(now) {
		t.Errorf("Expected %v, got %v", now, got)
	}
	if got := ScanNullableTime(nullableMillis(nil)); got != nil {
		t.Errorf("Expected nil time, got %v", got)
	}
}
