package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/jarvis/journal"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the signal ledger",
	Long: `Query the append-only ledger of processed signals.

Subcommands:
  list  - List entries, optionally filtered
  show  - Show a single entry by id

Examples:
  jarvis ledger list --decision REJECTED --day 2024-03-15
  jarvis ledger list --instrument EUR_USD --format csv > eurusd.csv
  jarvis ledger list --format summary
  jarvis ledger show 01HRZ8Q3J6W5V2ZC9S7TQF4K1M`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries in arrival order",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var (
	ledgerInstrument string
	ledgerDecision   string
	ledgerSignalID   string
	ledgerDay        string
	ledgerFrom       string
	ledgerTo         string
	ledgerLimit      int
	ledgerFormat     string
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)

	f := ledgerListCmd.Flags()
	f.StringVarP(&ledgerInstrument, "instrument", "i", "", "resolved instrument code, e.g. EUR_USD")
	f.StringVar(&ledgerDecision, "decision", "", "EXECUTED, REJECTED or FAILED")
	f.StringVar(&ledgerSignalID, "signal", "", "signal id")
	f.StringVar(&ledgerDay, "day", "", "local day YYYY-MM-DD (or 'today')")
	f.StringVar(&ledgerFrom, "from", "", "received at or after (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&ledgerTo, "to", "", "received before (RFC3339 or YYYY-MM-DD)")
	f.IntVarP(&ledgerLimit, "limit", "n", 0, "maximum entries (0 = all)")
	f.StringVar(&ledgerFormat, "format", "org", "org, csv or summary")
}

func ledgerFilter() (journal.Filter, error) {
	f := journal.Filter{
		Instrument: strings.ToUpper(ledgerInstrument),
		SignalID:   ledgerSignalID,
		Limit:      ledgerLimit,
	}
	if ledgerDecision != "" {
		d, err := journal.ParseDecision(strings.ToUpper(ledgerDecision))
		if err != nil {
			return f, err
		}
		f.Decision = d
	}

	var err error
	if ledgerDay != "" {
		day := ledgerDay
		if day == "today" {
			day = time.Now().Format("2006-01-02")
		}
		if f.From, f.To, err = dayBounds(time.Local, day); err != nil {
			return f, fmt.Errorf("--day: %w", err)
		}
	}
	if ledgerFrom != "" {
		if f.From, err = parseWhen(ledgerFrom); err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
	}
	if ledgerTo != "" {
		if f.To, err = parseWhen(ledgerTo); err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
	}
	return f, nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	filter, err := ledgerFilter()
	if err != nil {
		return err
	}
	j, err := openLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer j.Close()

	entries, err := j.Query(contextOrBackground(cmd), filter)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}

	out := cmd.OutOrStdout()
	switch ledgerFormat {
	case "org":
		_, err = fmt.Fprint(out, journal.FormatEntriesOrg(entries))
	case "csv":
		err = journal.WriteCSV(out, entries)
	case "summary":
		var s string
		if s, err = journal.FormatSummaryOrg(journal.Summarize(entries)); err == nil {
			_, err = fmt.Fprint(out, s)
		}
	default:
		err = fmt.Errorf("unknown format %q (want org|csv|summary)", ledgerFormat)
	}
	return err
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	j, err := openLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer j.Close()

	e, err := j.Get(contextOrBackground(cmd), args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), journal.FormatEntryOrg(e))
	return err
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1), nil
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.Local)
}
