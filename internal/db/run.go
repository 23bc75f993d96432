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

const runColumns = `id, workflow_id, status, trigger_type, error, duration_ms, started_at, completed_at`

// CreateRun stores a new run row. Node records are written separately.
func (d *DB) CreateRun(ctx context.Context, r *flow.ExecutionRun) error {
	_, err := d.Pool.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.WorkflowID, string(r.Status), string(r.TriggerType), r.Error, r.DurationMs,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun updates the run row's terminal fields.
func (d *DB) UpdateRun(ctx context.Context, r *flow.ExecutionRun) error {
	res, err := d.Pool.ExecContext(ctx,
		`UPDATE runs SET status = $1, error = $2, duration_ms = $3, completed_at = $4 WHERE id = $5`,
		string(r.Status), r.Error, r.DurationMs, r.CompletedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return expectRow(res, "run", r.ID)
}

// UpsertNodeRun inserts or overwrites the record of one node in one run.
func (d *DB) UpsertNodeRun(ctx context.Context, rec *flow.NodeExecutionRecord) error {
	cfg, err := jsonParam(rec.ResolvedConfig)
	if err != nil {
		return fmt.Errorf("marshal resolved config: %w", err)
	}
	out, err := jsonParam(rec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = d.Pool.ExecContext(ctx,
		`INSERT INTO node_runs (run_id, node_id, status, resolved_config, output_data, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, node_id) DO UPDATE SET status = EXCLUDED.status,
		   resolved_config = EXCLUDED.resolved_config, output_data = EXCLUDED.output_data,
		   error = EXCLUDED.error, started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at`,
		rec.RunID, rec.NodeID, string(rec.Status), cfg, out, rec.Error, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node run: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its node records in creation order.
func (d *DB) GetRun(ctx context.Context, id string) (*flow.ExecutionRun, error) {
	row := d.Pool.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	nodes, err := d.listNodeRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Nodes = nodes
	return r, nil
}

func (d *DB) listNodeRuns(ctx context.Context, runID string) ([]flow.NodeExecutionRecord, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT run_id, node_id, status, resolved_config, output_data, error, started_at, completed_at
		 FROM node_runs WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node runs: %w", err)
	}
	defer rows.Close()

	var out []flow.NodeExecutionRecord
	for rows.Next() {
		var rec flow.NodeExecutionRecord
		var status string
		var cfgJSON, outJSON []byte
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.NodeID, &status, &cfgJSON, &outJSON, &rec.Error, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan node run: %w", err)
		}
		rec.Status = flow.NodeStatus(status)
		if len(cfgJSON) > 0 {
			json.Unmarshal(cfgJSON, &rec.ResolvedConfig)
		}
		if len(outJSON) > 0 {
			json.Unmarshal(outJSON, &rec.OutputData)
		}
		rec.StartedAt = nullTime(started)
		rec.CompletedAt = nullTime(completed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRunsByWorkflow returns runs of one workflow, newest first, without
// node records.
func (d *DB) ListRunsByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*flow.ExecutionRun, int, error) {
	var total int
	err := d.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = $1`, workflowID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		workflowID, limitParam(limit), offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows, total)
}

// ListAllRuns returns runs newest first; status filters when non-empty.
func (d *DB) ListAllRuns(ctx context.Context, limit, offset int, status string) ([]*flow.ExecutionRun, int, error) {
	where := ``
	args := []any{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := d.Pool.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, runColumns, where, n+1, n+2)
	rows, err := d.Pool.QueryContext(ctx, query, append(args, limitParam(limit), offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows, total)
}

// MarkOrphanedRunsFailed fails every run still RUNNING, i.e. left behind by
// a process that exited mid-run.
func (d *DB) MarkOrphanedRunsFailed(ctx context.Context) (int64, error) {
	res, err := d.Pool.ExecContext(ctx,
		`UPDATE runs SET status = $1, error = $2, completed_at = NOW() WHERE status = $3`,
		string(flow.RunStatusFailed), "interrupted by server restart", string(flow.RunStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(s scanner) (*flow.ExecutionRun, error) {
	r := &flow.ExecutionRun{}
	var status, trigger string
	var completed sql.NullTime
	if err := s.Scan(&r.ID, &r.WorkflowID, &status, &trigger, &r.Error, &r.DurationMs,
		&r.StartedAt, &completed); err != nil {
		return nil, err
	}
	r.Status = flow.RunStatus(status)
	r.TriggerType = flow.TriggerType(trigger)
	r.CompletedAt = nullTime(completed)
	return r, nil
}

func scanRuns(rows *sql.Rows, total int) ([]*flow.ExecutionRun, int, error) {
	var result []*flow.ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	return result, total, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// limitParam maps a non-positive limit to NULL, which Postgres treats as no
// limit.
func limitParam(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
