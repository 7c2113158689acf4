package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/internal/app"
)

func newConfigCmd(rc *RootConfig) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
		Long: `Manage configuration files.

Examples:
  riskengine config init -o riskengine.yaml
  riskengine config validate --config riskengine.yaml`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Default().SaveToFile(output); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ Created default configuration: %s\n", output)
			fmt.Fprintln(w, "\nEdit the file and run with:")
			fmt.Fprintf(w, "  riskengine run --config %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "riskengine.yaml", "output config file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file with the environment applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rc.ConfigPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := app.LoadConfig(rc.options(cmd))
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ Configuration valid: %s\n", rc.ConfigPath)
			fmt.Fprintf(w, "  Account: %s (capital %.2f %s, portfolio risk %.1f%%)\n",
				cfg.Account.ID, cfg.Account.Capital, cfg.Account.Currency, cfg.Account.MaxPortfolioRiskFraction*100)
			fmt.Fprintf(w, "  Symbols: %v\n", cfg.Symbols)
			fmt.Fprintf(w, "  Signals: %s  Advisor: %s\n", cfg.Signals.Source, cfg.Advisor.Provider)
			fmt.Fprintf(w, "  Store: %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "riskengine %s\n", app.Version)
		},
	}
}
