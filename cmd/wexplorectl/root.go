package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wexplore/internal/config"
	"wexplore/internal/logging"
	"wexplore/internal/telemetry"
	"wexplore/pkg/wexplore"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wexplorectl",
		Short: "Weighted-ensemble simulations with WExplore resampling",
		Long: "wexplorectl runs weighted-ensemble simulations, resumes them from\n" +
			"checkpoints and inspects their checkpoints and walker lineage.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "log format override (text, json)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newInspectCmd(opts))
	cmd.AddCommand(newRunsCmd(opts))
	cmd.AddCommand(newLineageCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(o.logLevel)
	}
	if o.logFormat != "" {
		cfg.Logging.Format = strings.ToLower(o.logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a configured client plus the metrics endpoint serving it.
type session struct {
	cfg    *config.Config
	client *wexplore.Client
	server *http.Server
	logger *slog.Logger
}

func (o *rootOptions) open(cmd *cobra.Command, mutate func(*config.Config)) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.ErrOrStderr())
	logger := logging.New("wexplorectl")

	metrics := telemetry.New()
	client, err := wexplore.New(wexplore.Options{Config: cfg, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, client: client, logger: logger}
	if cfg.Metrics.Addr != "" {
		if err := s.serveMetrics(cfg.Metrics.Addr, metrics); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) serveMetrics(addr string, metrics *telemetry.Metrics) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	s.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *session) Close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	return s.client.Close()
}
