package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// SaveFileHash records the content hash of an uploaded file, replacing any previous entry
func (sqlm *SQLiteManager) SaveFileHash(ctx context.Context, filename, hash string, size int64) error {
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO file_hashes (filename, hash, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		sqlm.logger, "database", filename, hash, size, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save hash for %s: %v", filename, err)
	}
	return nil
}

// GetFileHash returns the recorded hash of filename
func (sqlm *SQLiteManager) GetFileHash(ctx context.Context, filename string) (string, error) {
	hash, err := QueryRowSingle(ctx, sqlm.db,
		"SELECT hash FROM file_hashes WHERE filename = ?",
		func(row *sql.Row) (*string, error) {
			var h string
			err := row.Scan(&h)
			return &h, err
		},
		sqlm.logger, "database", filename)
	if err != nil {
		return "", fmt.Errorf("failed to get hash for %s: %v", filename, err)
	}
	if hash == nil {
		return "", types.NotFound("no hash recorded for %s", filename)
	}
	return *hash, nil
}

// DeleteFileHash forgets the hash of filename
func (sqlm *SQLiteManager) DeleteFileHash(ctx context.Context, filename string) error {
	if _, err := ExecWithLogging(ctx, sqlm.db,
		"DELETE FROM file_hashes WHERE filename = ?", sqlm.logger, "database", filename); err != nil {
		return fmt.Errorf("failed to delete hash for %s: %v", filename, err)
	}
	return nil
}
