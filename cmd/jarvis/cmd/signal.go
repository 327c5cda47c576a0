package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rustyeddy/jarvis/journal"
	"github.com/spf13/cobra"
)

var signalCmd = &cobra.Command{
	Use:   "signal [json]",
	Short: "Process one signal from the command line",
	Long: `Run a single payload through the pipeline and print the resulting ledger
entry. The payload is the argument, or stdin when the argument is - or
missing.

Examples:
  jarvis signal --paper '{"symbol":"EURUSD","action":"buy","sl":1.0820}'
  echo '{"pair":"GBP/USD","side":"sell"}' | jarvis signal -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSignal,
}

var signalJSON bool

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.Flags().BoolVar(&signalJSON, "json", false, "print the entry as JSON instead of Org")
}

func runSignal(cmd *cobra.Command, args []string) error {
	var raw []byte
	if len(args) == 1 && args[0] != "-" {
		raw = []byte(args[0])
	} else {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = []byte(strings.TrimSpace(string(b)))
	}

	ctx := contextOrBackground(cmd)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	e, perr := a.pipeline.Process(ctx, raw, "cli")
	if err := a.Close(); err != nil && perr == nil {
		perr = err
	}
	if perr != nil {
		return perr
	}
	return printEntry(cmd.OutOrStdout(), e)
}

func printEntry(w io.Writer, e journal.Entry) error {
	if signalJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}
	_, err := fmt.Fprint(w, journal.FormatEntryOrg(e))
	return err
}
