package modelgated

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/api/pkg/config"
	"github.com/modelgate/modelgate/api/pkg/coordinator"
)

func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config <scenario.yaml>",
		Short: "Validate a scenario's model, escalation and resource-estimation configuration",
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

			if _, err := coordinator.New(cc); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}
