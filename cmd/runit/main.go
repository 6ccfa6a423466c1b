// Command runit is a single-host, GPU-aware batch scheduler: it accepts a
// declarative list of shell commands annotated with GPU requirements and
// runs them to completion as child processes, admitting each one according
// to either exclusive-device or memory-quota rules.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lartpang/runit/internal/apiserver"
	"github.com/lartpang/runit/internal/config"
	"github.com/lartpang/runit/internal/device"
	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/logging"
	"github.com/lartpang/runit/internal/rterrors"
	"github.com/lartpang/runit/internal/scheduler"
	"github.com/lartpang/runit/internal/telemetry"
	"github.com/lartpang/runit/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath        string
		maxWorkers        int
		waitingGPUSeconds int
		loopSeconds       int
		mode              string
		statusAddr        string
		metricsAddr       string
		development       bool
	)

	cmd := &cobra.Command{
		Use:   "runit",
		Short: "Run a batch of GPU-annotated shell commands to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOpts{
				configPath:        configPath,
				maxWorkers:        maxWorkers,
				waitingGPUSeconds: waitingGPUSeconds,
				loopSeconds:       loopSeconds,
				mode:              mode,
				statusAddr:        statusAddr,
				metricsAddr:       metricsAddr,
				development:       development,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the batch configuration file (required)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "upper bound on concurrent running jobs (default: number of configured GPUs)")
	cmd.Flags().IntVar(&waitingGPUSeconds, "interval-for-waiting-gpu", 3, "seconds to sleep when admission is denied")
	cmd.Flags().IntVar(&loopSeconds, "interval-for-loop", 1, "seconds to sleep between full scheduling passes")
	cmd.Flags().StringVar(&mode, "mode", "", "force the admission mode (\"exclusive\" or \"memory\"); default: inferred from the config file")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "bind address for the read-only status API (empty disables it)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "bind address for the Prometheus /metrics endpoint (empty disables it)")
	cmd.Flags().BoolVar(&development, "development", false, "use human-readable development logging instead of JSON")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

type runOpts struct {
	configPath        string
	maxWorkers        int
	waitingGPUSeconds int
	loopSeconds       int
	mode              string
	statusAddr        string
	metricsAddr       string
	development       bool
}

func run(ctx context.Context, opts runOpts) error {
	log, err := logging.New(opts.development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	runID := uuid.NewString()
	log.Infow("runit starting", "run_id", runID)

	batch, err := config.Load(opts.configPath)
	if err != nil {
		return logFatal(log, err)
	}

	resolvedMode, err := batch.ModeOverride(opts.mode)
	if err != nil {
		return logFatal(log, err)
	}

	descriptors, prober, shutdownProber, err := resolveInventoryInputs(batch, resolvedMode)
	if err != nil {
		return logFatal(log, err)
	}
	defer shutdownProber()

	inv, err := device.NewInventory(descriptors, resolvedMode == ledger.Memory, prober)
	if err != nil {
		return logFatal(log, err)
	}

	led := ledger.New(resolvedMode, inv.List())

	specs, err := batch.Jobspecs(inv.Len(), log)
	if err != nil {
		return logFatal(log, err)
	}
	if err := config.CheckFeasibility(led, specs); err != nil {
		return logFatal(log, err)
	}

	table := jobtable.New(specs)

	workers := opts.maxWorkers
	if workers <= 0 {
		workers = inv.Len()
	}

	agg := telemetry.NewAggregator()
	pool := worker.New(workers, table, led, log).WithAggregator(agg)

	var metrics *telemetry.Metrics
	if opts.metricsAddr != "" {
		metrics = telemetry.NewMetrics()
		stop := startBackgroundServer(log, "metrics", opts.metricsAddr, metrics.Handler())
		defer stop()
	}

	if opts.statusAddr != "" {
		api := apiserver.New(table, led, agg)
		stop := startBackgroundServer(log, "status", opts.statusAddr, api.Handler())
		defer stop()
	}

	loop := scheduler.New(table, led, pool, scheduler.Intervals{
		WaitingForGPU: time.Duration(opts.waitingGPUSeconds) * time.Second,
		Loop:          time.Duration(opts.loopSeconds) * time.Second,
	}, log)
	if metrics != nil {
		loop = loop.WithMetrics(metrics)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt, cancelling the scheduling loop")
		cancel()
	}()

	loopErr := loop.Run(runCtx)
	pool.Wait()

	counts := table.CountByStatus()
	log.Infow("runit finished", "run_id", runID, "done", counts[jobtable.Done], "failed", counts[jobtable.Failed], "waiting", counts[jobtable.Waiting], "running", counts[jobtable.Running])

	if loopErr != nil {
		log.Warnw("scheduling loop exited early", "error", loopErr)
		return loopErr
	}
	return nil
}

func logFatal(log *zap.SugaredLogger, err error) error {
	log.Errorw("fatal configuration error", "error", err)
	return err
}

// resolveInventoryInputs decides which GPU descriptors to probe and which
// Prober implementation to probe them with.
//
// Memory mode always needs live driver readings, so it always uses the
// NVML-backed prober. Exclusive mode never reads memory — mirroring the
// source's exclusive-mode script, which never queries the driver either —
// except for the legacy bare-sequence config shape, which has no gpu list
// at all and must ask the driver which device ids exist.
func resolveInventoryInputs(batch *config.Batch, mode ledger.Mode) ([]device.Descriptor, device.Prober, func(), error) {
	if mode == ledger.Memory {
		p, err := device.NewNVMLProber()
		if err != nil {
			return nil, nil, nil, rterrors.NewConfigError("failed to initialize the GPU driver probe", err)
		}
		return batch.Descriptors(), p, func() { _ = p.Shutdown() }, nil
	}

	if batch.Legacy {
		p, err := device.NewNVMLProber()
		if err != nil {
			return nil, nil, nil, rterrors.NewConfigError("failed to initialize the GPU driver probe", err)
		}
		ids, err := p.Enumerate()
		if err != nil {
			_ = p.Shutdown()
			return nil, nil, nil, rterrors.NewConfigError("failed to enumerate GPUs for the legacy config shape", err)
		}
		descriptors := make([]device.Descriptor, len(ids))
		for i, id := range ids {
			descriptors[i] = device.Descriptor{ID: id}
		}
		return descriptors, p, func() { _ = p.Shutdown() }, nil
	}

	descriptors := batch.Descriptors()
	ids := make([]string, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.ID
	}
	return descriptors, device.NewFakeProber(ids...), func() {}, nil
}

// startBackgroundServer runs an HTTP server on addr in the background,
// logging (never panicking) if it exits unexpectedly; the returned func
// shuts it down.
func startBackgroundServer(log *zap.SugaredLogger, name, addr string, handler http.Handler) func() {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		log.Infow("serving "+name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw(name+" server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
