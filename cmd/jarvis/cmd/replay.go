package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rustyeddy/jarvis/journal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file|->",
	Short: "Process a file of JSON-lines signals",
	Long: `Replay feeds each line of a JSON-lines file through the pipeline, as if it
had arrived on the webhook. Blank lines and lines starting with # are
skipped. Every signal gets its own ledger entry.

Examples:
  jarvis replay --paper alerts.jsonl
  cat alerts.jsonl | jarvis replay -w 1 -`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayWorkers int
	replaySource  string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().IntVarP(&replayWorkers, "workers", "w", 4, "signals processed concurrently")
	replayCmd.Flags().StringVar(&replaySource, "source", "replay", "source recorded for signals without one")
}

func runReplay(cmd *cobra.Command, args []string) error {
	in, err := openInput(cmd, args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	ctx := contextOrBackground(cmd)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	counts, skipped, runErr := replayLines(ctx, in, replayWorkers, func(ctx context.Context, payload []byte) (journal.Entry, error) {
		return a.pipeline.Process(ctx, payload, replaySource)
	})
	summary, isPaper, settleErr := a.settlePaper(ctx)
	closeErr := errors.Join(settleErr, a.Close())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "executed=%d rejected=%d failed=%d\n",
		counts[journal.Executed], counts[journal.Rejected], counts[journal.Failed])
	if skipped > 0 {
		fmt.Fprintf(out, "stopped early, %d signals not processed\n", skipped)
	}
	if isPaper && settleErr == nil {
		fmt.Fprintln(out, summary)
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}

type processFunc func(ctx context.Context, payload []byte) (journal.Entry, error)

// replayLines runs each signal line through process on up to workers
// goroutines. The first error stops the replay: lines not yet started are
// counted as skipped, while signals already in flight finish on ctx.
func replayLines(ctx context.Context, in io.Reader, workers int, process processFunc) (map[journal.Decision]int, int, error) {
	var (
		mu      sync.Mutex
		counts  = map[journal.Decision]int{}
		skipped int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		payload := append([]byte(nil), raw...)
		n := line
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			e, err := process(ctx, payload)
			if err != nil {
				return fmt.Errorf("line %d: %w", n, err)
			}
			mu.Lock()
			counts[e.Decision]++
			mu.Unlock()
			return nil
		})
	}
	scanErr := sc.Err()
	runErr := g.Wait()

	if runErr != nil {
		return counts, skipped, runErr
	}
	if scanErr != nil {
		return counts, skipped, fmt.Errorf("read input: %w", scanErr)
	}
	return counts, skipped, nil
}

func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}
