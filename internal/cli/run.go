package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/jobrelay/internal/config"
	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/hooks"
	"github.com/ChuLiYu/jobrelay/internal/httpapi"
	"github.com/ChuLiYu/jobrelay/internal/logging"
	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/notify"
	"github.com/ChuLiYu/jobrelay/internal/redelivery"
	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/internal/rpc"
	"github.com/ChuLiYu/jobrelay/internal/store"
)

const shutdownTimeout = 15 * time.Second

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the jobrelay daemon",
		Long:  "Serve the lifecycle API over gRPC and HTTP until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs the daemon until ctx is done or a listener fails.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		return multierr.Append(err, d.stop(context.Background()))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	case runErr = <-d.errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(runErr, d.stop(shutdownCtx))
}

// daemon owns every long-running component of `jobrelay run`.
type daemon struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	engine   store.Engine
	coord    *coordinator.Coordinator
	queue    *redelivery.Queue
	replayer *redelivery.Replayer

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener

	errCh  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDaemon(ctx context.Context, cfg config.Config, logger *zap.Logger) (*daemon, error) {
	policy, err := coordinator.ParsePreHookPolicy(cfg.Notify.PreHookPolicy)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, logger: logger, errCh: make(chan error, 2)}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.metrics = metrics.NewCollector(promReg)
		metricsHandler = d.metrics.Handler()
	}

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	d.engine = engine

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(d.metrics),
		coordinator.WithPreHookPolicy(policy),
		coordinator.WithNotifier(notify.New(notify.Config{
			HandlerTimeout: cfg.Notify.HandlerTimeout,
			Parallelism:    cfg.Notify.Parallelism,
		}, logger, d.metrics)),
	}
	if cfg.Redelivery.Enabled {
		d.queue = redelivery.NewQueue(cfg.Redelivery.QueueSize, logger, d.metrics)
		coordOpts = append(coordOpts, coordinator.WithFailureSink(d.queue))
	}
	d.coord = coordinator.New(engine, reg, coordOpts...)
	if d.queue != nil {
		d.replayer = redelivery.NewReplayer(d.queue, d.coord, cfg.Redelivery, logger, d.metrics)
	}

	d.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(rpc.UnaryLogger(logger)))
	rpc.Register(d.grpcServer, rpc.NewServer(d.coord, logger))

	d.httpServer = &http.Server{
		Handler:      httpapi.New(d.coord, metricsHandler, logger).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return d, nil
}

// buildRegistry registers the bundled handlers: the audit log always, the
// router when routes are configured.
func buildRegistry(cfg config.Config, logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.New()
	reg.Register(hooks.NewAudit(logger))

	if len(cfg.Routes) == 0 {
		return reg, nil
	}
	routes := make([]hooks.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, hooks.Route{Name: r.Name, Patterns: r.Patterns})
	}
	router, err := hooks.NewRouter(routes, logger)
	if err != nil {
		return nil, err
	}
	reg.Register(hooks.NewStaleGuard(router, logger))
	return reg, nil
}

func (d *daemon) start(ctx context.Context) error {
	var err error
	if d.grpcLis, err = net.Listen("tcp", d.cfg.GRPC.Addr); err != nil {
		return fmt.Errorf("listen grpc %s: %w", d.cfg.GRPC.Addr, err)
	}
	if d.httpLis, err = net.Listen("tcp", d.cfg.HTTP.Addr); err != nil {
		_ = d.grpcLis.Close()
		d.grpcLis = nil
		return fmt.Errorf("listen http %s: %w", d.cfg.HTTP.Addr, err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.grpcServer.Serve(d.grpcLis); err != nil {
			d.errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(d.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if d.replayer != nil {
		d.replayer.Start(bgCtx)
	}
	if c, ok := d.engine.(store.Compactor); ok && d.cfg.Store.CompactInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			store.RunCompaction(bgCtx, c, d.cfg.Store.CompactInterval, d.logger)
		}()
	}

	d.logger.Info("jobrelay started",
		zap.String("version", Version),
		zap.String("grpc_addr", d.grpcLis.Addr().String()),
		zap.String("http_addr", d.httpLis.Addr().String()),
		zap.String("store", d.cfg.Store.Driver),
		zap.String("pre_hook_policy", d.cfg.Notify.PreHookPolicy),
	)
	return nil
}

// stop drains the servers, stops background loops, compacts once more and
// closes the store.
func (d *daemon) stop(ctx context.Context) error {
	var errs error

	if d.httpLis != nil {
		errs = multierr.Append(errs, d.httpServer.Shutdown(ctx))
	}
	if d.grpcLis != nil {
		stopped := make(chan struct{})
		go func() {
			d.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.grpcServer.Stop()
		}
	}

	if d.replayer != nil {
		d.replayer.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if c, ok := d.engine.(store.Compactor); ok {
		if err := c.Compact(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("final compaction: %w", err))
		}
	}
	errs = multierr.Append(errs, d.engine.Close())

	if errs == nil {
		d.logger.Info("jobrelay stopped")
	}
	return errs
}
