package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/config"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert an example workflow definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			logger := logging.NewLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := connectDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := repository.NewPostgresStore(pool, logger)
			wf := exampleWorkflow()
			if err := store.CreateWorkflow(ctx, wf); err != nil {
				return err
			}
			logger.Info("Seeded workflow %s (%s)", wf.Name, wf.ID)
			return nil
		},
	}
}

func exampleWorkflow() *models.Workflow {
	now := time.Now()
	wfID := uuid.New().String()
	step := func(name, agent string, deps ...string) *models.WorkflowStep {
		return &models.WorkflowStep{
			ID:             uuid.New().String(),
			WorkflowID:     wfID,
			Name:           name,
			StepType:       "task",
			AgentRef:       agent,
			Dependencies:   deps,
			TimeoutSeconds: 60,
			RetryCount:     2,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	extract := step("extract", "extractor")
	transform := step("transform", "transformer", "extract")
	load := step("load", "loader", "transform")
	extract.Order, transform.Order, load.Order = 0, 1, 2

	return &models.Workflow{
		ID:          wfID,
		Name:        "example-etl",
		Description: "Three step extract/transform/load pipeline",
		Type:        models.WorkflowTypeSequential,
		Status:      models.WorkflowStatusActive,
		Config:      json.RawMessage(`{"output_steps":["load"]}`),
		Tags:        []string{"example"},
		Steps:       []*models.WorkflowStep{extract, transform, load},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
