package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"StakeFlow/internal/config"
	"StakeFlow/internal/observability"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:          "stakeflow",
		Short:        "Stake, withdraw and harvest against a staking pool contract",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = observability.NewLogger("stakeflow")
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults, .env and STAKEFLOW_* env apply without it)")

	root.AddCommand(
		serveCmd(),
		operationCmd("stake"),
		operationCmd("withdraw"),
		operationCmd("harvest"),
		balancesCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}
