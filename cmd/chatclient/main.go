package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/omochice/roomlink/internal/client"
	"github.com/omochice/roomlink/internal/config"
	"github.com/omochice/roomlink/internal/credstore"
	"github.com/omochice/roomlink/internal/logging"
	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/internal/room"
)

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Realtime chat room client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagEnvFile string

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "optional .env file with ROOMLINK_ settings")
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, roomCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is what every command runs against.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	client  *client.Client
	store   *credstore.Store
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newApp() (*app, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := credstore.Open(filepath.Join(cfg.DataDir, "credentials"))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	opts := []client.Option{
		client.WithStore(store),
		client.WithMaxRetries(cfg.MaxRetries),
		client.WithLogger(logger),
		client.WithMetrics(m),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithRefreshTimeout(cfg.RefreshTimeout),
		client.WithStreamTimeouts(cfg.DialTimeout, cfg.AckTimeout),
		client.WithRoomOptions(room.WithTypingIdle(cfg.TypingIdle)),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, client.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)))
	}
	c, err := client.New(cfg.Endpoint, cfg.StreamURL, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, client: c, store: store, metrics: m, reg: reg}, nil
}

func (a *app) Close() {
	if err := a.client.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("client close failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("credential store close failed")
	}
}

// serveMetrics exposes /metrics until ctx is done. It is a no-op without an
// address.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
}
