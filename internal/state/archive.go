package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ArchiveInstance stores a finished workflow or process instance.
// Re-archiving the same ID overwrites the previous record.
func (db *DB) ArchiveInstance(rec InstanceRecord) error {
	variables := "{}"
	if rec.Variables != nil {
		data, err := json.Marshal(rec.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		variables = string(data)
	}

	var endedAt any
	if rec.EndedAt != nil {
		endedAt = formatTime(*rec.EndedAt)
	}

	_, err := db.Exec(`
		INSERT OR REPLACE INTO workflow_instances (id, definition, kind, status, variables, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Definition, rec.Kind, rec.Status, variables, rec.Error, formatTime(rec.StartedAt), endedAt)
	if err != nil {
		return fmt.Errorf("archive instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an archived instance by ID.
// Returns nil if no instance was archived under that ID.
func (db *DB) GetInstance(id string) (*InstanceRecord, error) {
	row := db.QueryRow(`
		SELECT id, definition, kind, status, variables, error, started_at, ended_at
		FROM workflow_instances WHERE id = ?
	`, id)

	rec, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return rec, nil
}

// ListInstances returns archived instances, newest first. An empty
// status matches all statuses. A limit of 0 means no limit.
func (db *DB) ListInstances(status string, limit int) ([]InstanceRecord, error) {
	query := `
		SELECT id, definition, kind, status, variables, error, started_at, ended_at
		FROM workflow_instances
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var records []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanInstance(scan func(...any) error) (*InstanceRecord, error) {
	var rec InstanceRecord
	var variables string
	var startedAt string
	var endedAt sql.NullString
	err := scan(&rec.ID, &rec.Definition, &rec.Kind, &rec.Status, &variables, &rec.Error, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &rec.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	rec.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.EndedAt = parseNullableTime(endedAt)
	return &rec, nil
}

// ArchiveTransitions appends a workflow's transition history.
func (db *DB) ArchiveTransitions(workflowID string, transitions []TransitionRecord) error {
	for _, tr := range transitions {
		_, err := db.Exec(`
			INSERT INTO state_transitions (workflow_id, from_state, to_state, reason, at)
			VALUES (?, ?, ?, ?, ?)
		`, workflowID, tr.From, tr.To, tr.Reason, formatTime(tr.At))
		if err != nil {
			return fmt.Errorf("archive transition: %w", err)
		}
	}
	return nil
}

// ListTransitions returns a workflow's archived transitions in order.
func (db *DB) ListTransitions(workflowID string) ([]TransitionRecord, error) {
	rows, err := db.Query(`
		SELECT workflow_id, from_state, to_state, reason, at
		FROM state_transitions WHERE workflow_id = ? ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var at string
		if err := rows.Scan(&rec.WorkflowID, &rec.From, &rec.To, &rec.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.At, err = parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ArchiveDeadLetter stores a terminally failed task.
func (db *DB) ArchiveDeadLetter(rec DeadLetterRecord) error {
	retryable := 0
	if rec.Retryable {
		retryable = 1
	}
	_, err := db.Exec(`
		INSERT INTO dead_letters (task_id, priority, reason, retryable, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Priority, rec.Reason, retryable, formatTime(rec.DeadLettered))
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns archived dead letters, newest first.
// A limit of 0 means no limit.
func (db *DB) ListDeadLetters(limit int) ([]DeadLetterRecord, error) {
	query := `
		SELECT task_id, priority, reason, retryable, dead_lettered_at
		FROM dead_letters ORDER BY dead_lettered_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var records []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var retryable int
		var at string
		if err := rows.Scan(&rec.TaskID, &rec.Priority, &rec.Reason, &retryable, &at); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.Retryable = retryable != 0
		rec.DeadLettered, err = parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("parse dead_lettered_at: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
