package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyeddy/jarvis/webhook"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept signals over HTTP",
	Long: `Start the webhook server. Alerts are POSTed as JSON to the configured
path (default /webhook); GET /healthz reports liveness.

If JARVIS_WEBHOOK_SECRET is set, requests must carry it in the
X-Jarvis-Secret header, a token query parameter or a top-level
"passphrase" field.

Examples:
  jarvis serve --paper
  jarvis serve -c jarvis.yaml --addr :9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides webhook.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	wc := a.cfg.Webhook
	if serveAddr != "" {
		wc.Addr = serveAddr
	}
	srv := webhook.NewServer(a.pipeline, webhook.Config{
		Addr:            wc.Addr,
		Path:            wc.Path,
		Secret:          wc.Secret,
		MaxBody:         wc.MaxBody,
		ShutdownTimeout: a.cfg.ShutdownTimeout(),
	}, a.log)
	if wc.Secret == "" {
		a.log.Warn().Msg("webhook secret not set; accepting unauthenticated signals")
	}

	serveErr := srv.Start(ctx)
	a.log.Info().Msg("shutting down")
	if err := a.Close(); err != nil {
		a.log.Error().Err(err).Msg("shutdown incomplete")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

// contextOrBackground guards against commands run without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
