package main

import (
	"context"
	"flag"
	"log"

	"enrichment-engine/backend/internal/config"
	"enrichment-engine/backend/internal/database"
	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

func intPtr(i int) *int { return &i }

// seedSteps is a three-step example pipeline: discover contacts, enrich the
// firmographics of every company, then store people returned as an array.
func seedSteps(baseURL string) []*models.WorkflowStep {
	return []*models.WorkflowStep{
		{
			ID:                     "00000000-0000-0000-0000-000000000001",
			Slug:                   "firmographics",
			Title:                  "Company firmographics",
			OverallStepNumber:      intPtr(1),
			Status:                 models.StepStatusActive,
			DestinationEndpointURL: baseURL + "/providers/firmographics",
			DestinationTableName:   "company_firmographics",
			DestinationConfig: models.DestinationConfig{
				FieldMappings: map[string]string{
					"employee_count": "headcount",
					"industry":       "industry",
					"hq.city":        "hq_city",
				},
			},
			RawPayloadTableName: "raw_firmographics",
			StorageWorkerURL:    baseURL + "/api/v1/store",
		},
		{
			ID:                     "00000000-0000-0000-0000-000000000002",
			Slug:                   "decision-makers",
			Title:                  "Find decision makers",
			OverallStepNumber:      intPtr(2),
			Status:                 models.StepStatusActive,
			DestinationEndpointURL: baseURL + "/providers/people-search",
			DestinationTableName:   "company_people",
			SourceRecordArrayField: "data.people",
			StorageWorkerURL:       baseURL + "/api/v1/store",
		},
		{
			ID:                       "00000000-0000-0000-0000-000000000003",
			Slug:                     "email-verification",
			Title:                    "Verify people emails",
			OverallStepNumber:        intPtr(3),
			Status:                   models.StepStatusDraft,
			SourceTableName:          "company_people",
			SourceTableCompanyFK:     "company_id",
			SourceTableSelectColumns: "id, company_id, name, email",
			DestinationEndpointURL:   baseURL + "/providers/email-verify",
			DestinationTableName:     "verified_emails",
			StorageWorkerURL:         baseURL + "/api/v1/store",
		},
	}
}

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	envFile := flag.String("env", "", "Path to .env file")
	baseURL := flag.String("base-url", "http://localhost:8080", "Base URL the seeded steps call back to")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if database.IsMemory(cfg.DB.Workspace.URL) {
		log.Fatalf("Seeding needs a PostgreSQL workspace, db.workspace.url is %s", cfg.DB.Workspace.URL)
	}

	pools, err := database.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pools.Close()

	pool, err := pools.Pool(database.TargetWorkspace)
	if err != nil {
		log.Fatalf("Failed to resolve workspace pool: %v", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	store := repository.NewPostgresWorkflowStore(pool)
	for _, step := range seedSteps(*baseURL) {
		if err := step.Validate(); err != nil {
			log.Fatalf("Seed step %s is invalid: %v", step.Slug, err)
		}
		// upsert keeps re-runs idempotent
		if err := store.UpsertStep(ctx, step); err != nil {
			log.Printf("Failed to seed step %s: %v", step.Slug, err)
			continue
		}
		logger.Info("Seeded workflow step", "slug", step.Slug, "id", step.ID)
	}

	variant := &models.ProviderVariant{
		WorkflowID:           "00000000-0000-0000-0000-000000000001",
		EnrichmentProvider:   "clearbit",
		DestinationTableName: "company_firmographics",
		DestinationConfig: models.DestinationConfig{
			FieldMappings: map[string]string{"metrics.employees": "headcount", "category.industry": "industry"},
		},
	}
	if err := store.UpsertProviderVariant(ctx, variant); err != nil {
		log.Printf("Failed to seed provider variant: %v", err)
	}
	logger.Info("Seeding complete!")
}
