package services

import (
	"context"
	"log/slog"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// RunHistoryService is the read side of run persistence.
type RunHistoryService struct {
	runRepo repository.RunRepository
}

// NewRunHistoryService creates a RunHistoryService.
func NewRunHistoryService(runRepo repository.RunRepository) *RunHistoryService {
	return &RunHistoryService{runRepo: runRepo}
}

// Get returns a run with its node records.
func (s *RunHistoryService) Get(ctx context.Context, id string) (*flow.ExecutionRun, error) {
	return s.runRepo.GetRun(ctx, id)
}

// ListByWorkflow returns a page of a workflow's runs, newest first.
func (s *RunHistoryService) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*flow.ExecutionRun, int, error) {
	limit, offset = clampPage(limit, offset)
	return s.runRepo.ListByWorkflow(ctx, workflowID, limit, offset)
}

// ListAll returns a page of all runs, optionally filtered by status.
func (s *RunHistoryService) ListAll(ctx context.Context, limit, offset int, status flow.RunStatus) ([]*flow.ExecutionRun, int, error) {
	limit, offset = clampPage(limit, offset)
	return s.runRepo.ListAll(ctx, limit, offset, string(status))
}

// RecoverOrphans fails runs a previous process left RUNNING. It is called
// once at start, before any new run begins.
func (s *RunHistoryService) RecoverOrphans(ctx context.Context) {
	n, err := s.runRepo.MarkOrphanedRunsFailed(ctx)
	if err != nil {
		slog.Warn("mark orphaned runs failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("orphaned runs marked failed", "count", n)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
