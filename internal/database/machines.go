package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

func scanMachine(row *sql.Row) (*types.MachineConfig, error) {
	var machine types.MachineConfig
	var config string
	var createdAt, updatedAt int64
	if err := row.Scan(&machine.ID, &machine.Name, &config, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(config), &machine.Fields); err != nil {
		return nil, fmt.Errorf("corrupt machine config: %v", err)
	}
	if machine.Fields == nil {
		machine.Fields = map[string]json.RawMessage{}
	}
	machine.CreatedAt = fromMillis(createdAt)
	machine.UpdatedAt = fromMillis(updatedAt)
	return &machine, nil
}

// GetMachine returns the machine record with the given id
func (sqlm *SQLiteManager) GetMachine(ctx context.Context, id string) (*types.MachineConfig, error) {
	machine, err := QueryRowSingle(ctx, sqlm.db,
		"SELECT id, name, config, created_at, updated_at FROM machines WHERE id = ?",
		scanMachine, sqlm.logger, "database", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get machine %s: %v", id, err)
	}
	if machine == nil {
		return nil, types.NotFound("machine %s not found", id)
	}
	return machine, nil
}

// CreateMachine inserts the machine record. Creating an existing machine is a conflict.
func (sqlm *SQLiteManager) CreateMachine(ctx context.Context, id, name string, fields map[string]json.RawMessage) (*types.MachineConfig, error) {
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	config, err := json.Marshal(fields)
	if err != nil {
		return nil, types.InvalidInput("invalid machine config: %v", err)
	}

	now := time.Now()
	result, err := ExecWithLogging(ctx, sqlm.db,
		"INSERT INTO machines (id, name, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		sqlm.logger, "database", id, name, string(config), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create machine %s: %v", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, types.Conflict("machine %s already exists", id)
	}

	sqlm.logger.Info(fmt.Sprintf("Machine %s created", id), "database")

	return &types.MachineConfig{
		ID:        id,
		Name:      name,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateMachine replaces the given fields and keeps the others. A JSON null value removes a field.
func (sqlm *SQLiteManager) UpdateMachine(ctx context.Context, id, name string, fields map[string]json.RawMessage) (*types.MachineConfig, error) {
	tx, err := sqlm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	current, err := QueryRowSingle(ctx, tx,
		"SELECT id, name, config, created_at, updated_at FROM machines WHERE id = ?",
		scanMachine, sqlm.logger, "database", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load machine %s: %v", id, err)
	}
	if current == nil {
		return nil, types.NotFound("machine %s not found", id)
	}

	for key, value := range fields {
		if string(value) == "null" {
			delete(current.Fields, key)
			continue
		}
		current.Fields[key] = value
	}
	if name != "" {
		current.Name = name
	}

	config, err := json.Marshal(current.Fields)
	if err != nil {
		return nil, types.InvalidInput("invalid machine config: %v", err)
	}

	current.UpdatedAt = time.Now()
	if _, err := ExecWithLogging(ctx, tx,
		"UPDATE machines SET name = ?, config = ?, updated_at = ? WHERE id = ?",
		sqlm.logger, "database", current.Name, string(config), toMillis(current.UpdatedAt), id); err != nil {
		return nil, fmt.Errorf("failed to update machine %s: %v", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit machine update: %v", err)
	}

	return current, nil
}
