package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochflow/internal/broker"
	"github.com/snehjoshi/epochflow/internal/config"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/node"
	transphttp "github.com/snehjoshi/epochflow/internal/transport/http"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	DataDir    string
	Port       int

	// ready, when set, receives the gateway address once it listens.
	ready func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an EpochFlow node",
		Long: `Run an EpochFlow node: open and replay every partition, then serve the
command gateway until interrupted.

Examples:
  epochflow run --config config.yaml
  epochflow run --data-dir ./data --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "override node.data_dir")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "override node.port")

	return cmd
}

func runNode(cmd *cobra.Command, opts *RunOptions) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.DataDir != "" {
		cfg.Node.DataDir = opts.DataDir
	}
	if opts.Port != 0 {
		cfg.Node.Port = opts.Port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := setupLogger(opts.Verbose)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger.Info("epochflow starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"partitions", cfg.Cluster.PartitionCount,
	)

	// ── 4. Metrics ───────────────────────────────────────────────────────────
	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
	}

	// ── 5. Broker: open, replay and start every partition ───────────────────
	b, err := broker.New(cfg, n, broker.WithMetrics(m), broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("broker close error", "err", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	// ── 6. Command gateway ───────────────────────────────────────────────────
	transphttp.Version = Version
	srv := transphttp.New(b, cfg, m)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("epochflow ready", "node_id", n.ID(), "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	// ── 7. Dedicated Prometheus metrics listener ─────────────────────────────
	var metricsSrv *http.Server
	if m != nil {
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: m.Handler()}
		go func() {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", "err", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}

	slog.Info("epochflow stopped")
	return runErr
}
