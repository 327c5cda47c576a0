package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jarvis",
	Short: "Validate trade signals and execute them against a broker",
	Long: `Jarvis takes inbound trade signals (webhook alerts, replayed files or a
manual payload), normalizes them, sizes the position against account risk,
checks stop and target placement, places a protected market order and
records every outcome in an append-only ledger.

Secrets are read from the environment (OANDA_TOKEN, OANDA_ACCOUNT_ID,
JARVIS_WEBHOOK_SECRET), optionally loaded from a .env file.`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	envFile  string
	dbPath   string
	paper    bool
	logLevel string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	pf.StringVar(&envFile, "env-file", "", "dotenv file with secrets (default ./.env if present)")
	pf.StringVarP(&dbPath, "db", "d", "", "ledger SQLite path (overrides journal.db_path)")
	pf.BoolVar(&paper, "paper", false, "use the in-memory paper broker regardless of config")
	pf.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
}
