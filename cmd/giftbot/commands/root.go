package commands

import (
	"github.com/MEKXH/giftbot/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "giftbot",
		Short: "giftbot - Telegram gift request bot",
		Long: `giftbot takes Stars and Premium gift requests over Telegram, lets an
operator approve them (or approves them automatically after a delay) and
sends the user their redemption conditions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewStatusCmd(),
		NewRequestsCmd(),
		NewCronCmd(),
		NewVersionCmd(),
	)

	return cmd
}
