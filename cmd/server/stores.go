package main

import (
	"context"

	"enrichment-engine/backend/internal/config"
	"enrichment-engine/backend/internal/database"
	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/repository"
)

type stores struct {
	workflows repository.WorkflowStore
	sources   repository.SourceStore
	records   repository.RecordStore
	batches   repository.BatchStore
	results   repository.ResultLog
	progress  repository.ProgressStore
	close     func()
}

// openStores selects the repository backend. memory:// keeps everything in
// process, anything else is a PostgreSQL URL.
func openStores(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*stores, error) {
	if database.IsMemory(cfg.DB.Workspace.URL) {
		logger.Warn("Using in-memory repository, nothing will survive a restart")
		m := repository.NewMemoryStore()
		return &stores{workflows: m, sources: m, records: m, batches: m, results: m, progress: m, close: func() {}}, nil
	}

	pools, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	workspace, err := pools.Pool(database.TargetWorkspace)
	if err != nil {
		pools.Close()
		return nil, err
	}
	source, err := pools.Pool(database.TargetSourceOfTruth)
	if err != nil {
		pools.Close()
		return nil, err
	}
	logger.Info("Database connected")

	tracking := repository.NewPostgresTrackingStore(workspace)
	return &stores{
		workflows: repository.NewPostgresWorkflowStore(workspace),
		sources:   repository.NewPostgresSourceStore(source),
		records:   repository.NewPostgresRecordStore(workspace),
		batches:   tracking,
		results:   tracking,
		progress:  tracking,
		close:     pools.Close,
	}, nil
}
