package cmd

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/jarvis/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage jarvis configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate a configuration file together with the environment

Examples:
  jarvis config init -o jarvis.yaml
  jarvis config validate -c jarvis.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and environment",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "jarvis.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nSet secrets in the environment or a .env file, then run:")
	fmt.Fprintf(out, "  jarvis serve -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "✓ Configuration valid")
	fmt.Fprintf(out, "  Broker:   %s (%s)\n", cfg.Broker.Kind, cfg.Broker.Environment)
	fmt.Fprintf(out, "  Account:  %s\n", cfg.Account.Currency)
	fmt.Fprintf(out, "  Risk:     default %s%%, max %s%%\n",
		cfg.Risk.DefaultRiskPct.Shift(2).String(), cfg.Risk.MaxRiskPct.Shift(2).String())
	fmt.Fprintf(out, "  Symbols:  %s\n", strings.Join(cfg.Catalog().Codes(), " "))
	fmt.Fprintf(out, "  Stacking: %t\n", cfg.Executor.AllowStacking)
	fmt.Fprintf(out, "  Ledger:   %s\n", cfg.Journal.DBPath)
	return nil
}
