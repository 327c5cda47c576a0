// Package webhook is the HTTP transport for inbound alerts. It authenticates
// and hands the raw body to the pipeline; it makes no trading decisions.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/journal"
	"github.com/rustyeddy/jarvis/pipeline"
	"github.com/tidwall/gjson"
)

const (
	SecretHeader = "X-Jarvis-Secret"
	passphrase   = "passphrase"
	redacted     = `"[redacted]"`
)

// Processor runs one payload through the signal pipeline.
type Processor interface {
	Process(ctx context.Context, raw []byte, source string) (journal.Entry, error)
}

type Config struct {
	Addr            string
	Path            string
	Secret          string // empty disables authentication
	MaxBody         int64
	ShutdownTimeout time.Duration
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type Server struct {
	cfg    Config
	proc   Processor
	router *gin.Engine
	log    zerolog.Logger
}

func NewServer(proc Processor, cfg Config, log zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 64 << 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:  cfg,
		proc: proc,
		log:  log.With().Str("component", "webhook").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST(cfg.Path, s.handleSignal)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.cfg.Addr }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("ip", c.ClientIP()).
			Dur("dur", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) handleSignal(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	body, ok := s.authenticate(c, body)
	if !ok {
		s.log.Warn().Str("ip", c.ClientIP()).Msg("webhook secret mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entry, err := s.proc.Process(c.Request.Context(), body, "webhook")
	if err != nil {
		if errors.Is(err, pipeline.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}
		s.log.Error().Err(err).Msg("signal not recorded")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal not recorded"})
		return
	}

	c.JSON(statusFor(entry.Decision), gin.H{
		"id":         entry.ID,
		"signal_id":  entry.SignalID,
		"decision":   entry.Decision,
		"code":       entry.Code,
		"reason":     entry.Reason,
		"instrument": entry.Instrument,
		"units":      entry.Units,
		"trade_id":   entry.BrokerTradeID,
	})
}

// authenticate accepts the secret in the header, the token query parameter
// or a top-level passphrase field. A body passphrase is redacted before the
// payload goes anywhere else.
func (s *Server) authenticate(c *gin.Context, body []byte) ([]byte, bool) {
	pass := gjson.GetBytes(body, passphrase)
	if pass.Exists() && pass.Index > 0 {
		out := make([]byte, 0, len(body))
		out = append(out, body[:pass.Index]...)
		out = append(out, redacted...)
		out = append(out, body[pass.Index+len(pass.Raw):]...)
		body = out
	}
	if s.cfg.Secret == "" {
		return body, true
	}

	for _, got := range []string{c.GetHeader(SecretHeader), c.Query("token"), pass.String()} {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1 {
			return body, true
		}
	}
	return body, false
}

func statusFor(d journal.Decision) int {
	switch d {
	case journal.Executed:
		return http.StatusOK
	case journal.Rejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("webhook listening")

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}
