package modelgated

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/api/pkg/config"
	"github.com/modelgate/modelgate/api/pkg/coordinator"
	"github.com/modelgate/modelgate/api/pkg/types"
)

func newSimulateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Load a scenario and a job trace, and print the resulting admission decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := LoadScenario(args[0])
			if err != nil {
				return err
			}

			env, err := config.LoadEngineEnv()
			if err != nil {
				return fmt.Errorf("modelgated: load environment: %w", err)
			}

			cc, err := config.BuildCoordinatorConfig(env, scenario.ToModelgateConfig(), nil, nil)
			if err != nil {
				return err
			}

			c, err := coordinator.New(cc)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("modelgated: start: %w", err)
			}
			defer func() { _ = c.Stop(context.Background()) }()

			out := cmd.OutOrStdout()
			for _, job := range scenario.Jobs {
				result, err := c.QueueJob(ctx, coordinator.JobOptions{
					JobID:   job.ID,
					JobType: types.JobTypeId(job.JobType),
					Job: func(ctx context.Context, model types.ModelId) (types.ResourceAmounts, error) {
						return types.ResourceAmounts{Requests: job.ActualRequests, Tokens: job.ActualTokens}, nil
					},
				})
				if err != nil {
					fmt.Fprintf(out, "job %s: error: %v\n", job.ID, err)
					continue
				}
				fmt.Fprintf(out, "job %s: model=%s triedModels=%v usage=%+v\n", job.ID, result.ModelUsed, result.ModelsTried, result.Usage)
			}

			stats := c.GetStats()
			fmt.Fprintf(out, "\nfinal availability:\n")
			for model, avail := range stats.Availability {
				fmt.Fprintf(out, "  %s: %+v\n", model, avail)
			}
			return nil
		},
	}
}
