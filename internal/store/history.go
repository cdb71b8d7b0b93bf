package store

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/fleetfs/pkg/api"
)

// WorkerStatus is the last persisted health classification of a worker.
type WorkerStatus struct {
	Name      string
	Status    string
	Score     int
	UpdatedAt int64
}

func (s *DB) UpdateWorkerStatus(ctx context.Context, ws WorkerStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO workers (name, status, score, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET status = excluded.status, score = excluded.score, updated_at = excluded.updated_at`),
		ws.Name, ws.Status, ws.Score, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

func (s *DB) WorkerStatuses(ctx context.Context) ([]WorkerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, status, score, updated_at FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list worker statuses: %w", err)
	}
	defer rows.Close()
	var out []WorkerStatus
	for rows.Next() {
		var ws WorkerStatus
		if err := rows.Scan(&ws.Name, &ws.Status, &ws.Score, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// RecordTaskHistory appends one status event to the task history.
func (s *DB) RecordTaskHistory(ctx context.Context, ev api.StatusEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO task_history (task_id, operation, filename, topic, error, at) VALUES (?, ?, ?, ?, ?, ?)`),
		ev.TaskID, ev.Operation, ev.Filename, string(ev.Topic), ev.Error, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("record task history: %w", err)
	}
	return nil
}

// TaskHistory returns the recorded events of a task in insertion order.
func (s *DB) TaskHistory(ctx context.Context, taskID string) ([]api.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT task_id, operation, filename, topic, error, at FROM task_history WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("task history: %w", err)
	}
	defer rows.Close()
	var out []api.StatusEvent
	for rows.Next() {
		var ev api.StatusEvent
		var topic string
		if err := rows.Scan(&ev.TaskID, &ev.Operation, &ev.Filename, &topic, &ev.Error, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Topic = api.Topic(topic)
		out = append(out, ev)
	}
	return out, rows.Err()
}
