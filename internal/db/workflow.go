package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

const workflowColumns = `id, name, description, active, graph, last_executed_at, created_at, updated_at`

// CreateWorkflow inserts wf, replacing a row with the same id.
func (d *DB) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	graphJSON, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = d.Pool.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
		   active = EXCLUDED.active, graph = EXCLUDED.graph, updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Name, wf.Description, wf.Active, graphJSON, wf.LastExecutedAt, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (d *DB) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	row := d.Pool.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first. activeOnly restricts the
// result to active ones.
func (d *DB) ListWorkflows(ctx context.Context, activeOnly bool) ([]*flow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.Pool.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var result []*flow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// UpdateWorkflow overwrites the definition of an existing workflow.
func (d *DB) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	graphJSON, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := d.Pool.ExecContext(ctx,
		`UPDATE workflows SET name = $1, description = $2, active = $3, graph = $4, updated_at = $5
		 WHERE id = $6`,
		wf.Name, wf.Description, wf.Active, graphJSON, wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return expectRow(res, "workflow", wf.ID)
}

// MarkWorkflowExecuted stamps the last completed run time.
func (d *DB) MarkWorkflowExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := d.Pool.ExecContext(ctx, `UPDATE workflows SET last_executed_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark workflow executed: %w", err)
	}
	return expectRow(res, "workflow", id)
}

// DeleteWorkflow removes a workflow by id.
func (d *DB) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := d.Pool.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*flow.Workflow, error) {
	wf := &flow.Workflow{}
	var graphJSON []byte
	var lastExecuted sql.NullTime
	if err := s.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Active, &graphJSON,
		&lastExecuted, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(graphJSON, &wf.Graph); err != nil {
		return nil, fmt.Errorf("decode graph of %s: %w", wf.ID, err)
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		wf.LastExecutedAt = &t
	}
	return wf, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNoRows)
	}
	return nil
}
