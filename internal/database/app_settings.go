package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const machineIDSetting = "machine_id"

// GetSetting returns a setting value, or an empty string when unset
func (sqlm *SQLiteManager) GetSetting(key string) (string, error) {
	value, err := QueryRowSingle(context.Background(), sqlm.db,
		"SELECT value FROM app_settings WHERE key = ?",
		func(row *sql.Row) (*string, error) {
			var v string
			err := row.Scan(&v)
			return &v, err
		},
		sqlm.logger, "database", key)
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %v", key, err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// SetSetting inserts or updates a setting
func (sqlm *SQLiteManager) SetSetting(key string, value string) error {
	_, err := ExecWithLogging(context.Background(), sqlm.db, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		sqlm.logger, "database", key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %v", key, err)
	}
	return nil
}

// DeleteSetting removes a setting
func (sqlm *SQLiteManager) DeleteSetting(key string) error {
	if _, err := ExecWithLogging(context.Background(), sqlm.db,
		"DELETE FROM app_settings WHERE key = ?", sqlm.logger, "database", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %v", key, err)
	}
	return nil
}

// MachineID returns the configured machine id, falling back to a generated id persisted on first use
func (sqlm *SQLiteManager) MachineID(ctx context.Context) (string, error) {
	if id := sqlm.cm.GetConfigWithDefault("machine_id", ""); id != "" {
		return id, nil
	}

	id, err := sqlm.GetSetting(machineIDSetting)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := sqlm.SetSetting(machineIDSetting, id); err != nil {
		return "", err
	}
	sqlm.logger.Info(fmt.Sprintf("Generated machine id %s", id), "database")
	return id, nil
}
