// ============================================================================
// calcnode CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for both roles of the system
//
// Command Structure:
//   calcnode                       # Root command
//   ├── dispatcher                 # Accept calculation nodes and dispatch jobs
//   │   ├── --listen               # gRPC listen address
//   │   └── --jobs                 # Submit jobs from a JSON file once started
//   ├── worker                     # Run a calculation node
//   │   ├── --dispatcher           # Dispatcher address
//   │   ├── --capacity             # Concurrent jobs
//   │   └── --node-id              # Node identifier
//   ├── status                     # Query a running dispatcher
//   │   └── --addr                 # Base URL of its metrics server
//   ├── --config, -c               # YAML config file (defaults when empty)
//   └── --log-level                # Overrides log.level
//
// dispatcher Command:
//   1. Load config, init logging
//   2. Start Dispatcher (+ LocalInvoker when dispatcher.local_workers > 0)
//   3. Serve node streams, /metrics and /status
//   4. Submit jobs from --jobs and log each result
//   5. On SIGINT/SIGTERM: stop the gRPC server, then the dispatcher
//
//   Job file format: a JSON array of jobs
//   [
//     {
//       "spec":  {"view_process_id": "vp-1", "cycle_id": 1, "job_id": 1},
//       "items": [{"target_id": "SEC-1", "function_id": "echo",
//                  "desired_outputs": [{"value_name": "PV", "target_id": "SEC-1"}]}]
//     }
//   ]
//
// worker Command:
//   Dials the dispatcher and reconnects until interrupted.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/calcnode/internal/config"
	"github.com/ChuLiYu/calcnode/internal/dispatcher"
	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/metrics"
	"github.com/ChuLiYu/calcnode/internal/transport"
	"github.com/ChuLiYu/calcnode/internal/worker"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

// load reads the config file and initializes the process logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "calcnode",
		Short: "calcnode: distributed calculation job dispatch",
		Long: `calcnode dispatches calculation jobs to remote calculation nodes:
- one gRPC stream per node, capacity advertised by the node
- lock-free admission, backpressure instead of queueing on the node
- connection failures and timeouts retried on another node
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	rootCmd.AddCommand(buildDispatcherCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// dispatcher
// ============================================================================

func buildDispatcherCommand(opts *rootOptions) *cobra.Command {
	var listen, jobFile string

	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Start the dispatcher and accept calculation nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Dispatcher.Listen = listen
			}
			var jobs []types.Job
			if jobFile != "" {
				if jobs, err = loadJobs(jobFile); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDispatcher(ctx, cfg, jobs)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (overrides dispatcher.listen)")
	cmd.Flags().StringVar(&jobFile, "jobs", "", "JSON file of jobs to submit once started")
	return cmd
}

func runDispatcher(ctx context.Context, cfg *config.Config, jobs []types.Job) error {
	logger := logging.L()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	d := dispatcher.New(dispatcher.Config{
		JobTimeout:          cfg.Dispatcher.JobTimeout,
		TimeoutScanInterval: cfg.Dispatcher.TimeoutScanInterval,
		MaxAttempts:         cfg.Dispatcher.MaxAttempts,
		RemotePriority:      cfg.Dispatcher.RemotePriority,
	}, dispatcher.WithLogger(logger), dispatcher.WithMetrics(collector))
	d.Start()
	defer d.Stop()

	if n := cfg.Dispatcher.LocalWorkers; n > 0 {
		pool := worker.NewPool(n, worker.DefaultRegistry(), "local")
		if err := pool.Start(n); err != nil {
			return fmt.Errorf("failed to start local worker pool: %w", err)
		}
		defer pool.Stop()
		local := invoker.NewLocalInvoker(pool, invoker.LocalConfig{
			Priority:   cfg.Dispatcher.LocalPriority,
			JobTimeout: cfg.Dispatcher.JobTimeout,
			Logger:     logger,
		})
		if err := d.AddInvoker(local); err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.Dispatcher.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Dispatcher.Listen, err)
	}
	srv := transport.NewServer(d, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down dispatcher")
		srv.Stop()
		return nil
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("serving metrics", zap.Int("port", cfg.Metrics.Port))
			return metrics.StartServer(gctx, cfg.Metrics.Port, reg, metrics.Route{Path: "/status", Handler: d.StatusHandler()})
		})
	}
	if len(jobs) > 0 {
		g.Go(func() error { return submitJobs(gctx, d, jobs, logger) })
	}

	return g.Wait()
}

// submitJobs submits every job and logs each final result. It returns once
// all results arrived or ctx is done.
func submitJobs(ctx context.Context, d *dispatcher.Dispatcher, jobs []types.Job, logger *zap.Logger) error {
	type submitted struct {
		spec types.JobSpecification
		done <-chan *types.JobResult
	}
	pending := make([]submitted, 0, len(jobs))
	for _, job := range jobs {
		done, err := d.Submit(job)
		if err != nil {
			logger.Error("failed to submit job", zap.Stringer("job", job.Spec), zap.Error(err))
			continue
		}
		pending = append(pending, submitted{spec: job.Spec, done: done})
	}
	logger.Info("jobs submitted", zap.Int("accepted", len(pending)), zap.Int("total", len(jobs)))

	for _, p := range pending {
		select {
		case result := <-p.done:
			logger.Info("job finished",
				zap.Stringer("job", p.spec),
				zap.String("node", result.NodeID),
				zap.Int("items", len(result.Items)),
				zap.Bool("failed", result.Failed()),
				zap.Bool("cancelled", result.IsCancellation()))
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func loadJobs(path string) ([]types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var addr, nodeID string
	var capacity int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a calculation node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Worker.Dispatcher = addr
			}
			if nodeID != "" {
				cfg.Worker.NodeID = nodeID
			}
			if capacity > 0 {
				cfg.Worker.Capacity = capacity
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "dispatcher", "", "dispatcher address (overrides worker.dispatcher)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "concurrent jobs (overrides worker.capacity)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identifier (overrides worker.node_id)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	node, err := worker.NewNode(worker.NodeConfig{
		NodeID:            cfg.Worker.NodeID,
		Capacity:          cfg.Worker.Capacity,
		JobTimeout:        cfg.Worker.JobTimeout,
		ReconnectInterval: cfg.Worker.ReconnectInterval,
		Logger:            logging.L(),
	}, dialer(cfg.Worker.Dispatcher))
	if err != nil {
		return err
	}
	logging.L().Info("starting calculation node",
		zap.String("node", node.ID()),
		zap.String("dispatcher", cfg.Worker.Dispatcher))

	// Run only returns once ctx is done
	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func dialer(target string) worker.Dialer {
	return func(ctx context.Context) (worker.Link, error) {
		link, err := transport.Dial(ctx, target)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatcher status",
		Long:  "Display job statistics and connected invokers of a running dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("http://localhost:%d", cfg.Metrics.Port)
			}
			st, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), addr, st)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "dispatcher metrics base URL (default http://localhost:<metrics.port>)")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*dispatcher.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatcher: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatcher status: unexpected HTTP %d", resp.StatusCode)
	}

	var st dispatcher.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func printStatus(w io.Writer, addr string, st *dispatcher.Status) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           calcnode Dispatcher Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "📡 Dispatcher: %s\n\n", addr)

	jobs := st.Jobs
	fmt.Fprintln(w, "📊 Jobs:")
	fmt.Fprintf(w, "  ├─ ⏳ Pending:      %d\n", jobs.Pending)
	fmt.Fprintf(w, "  ├─ 🔄 In-Flight:    %d\n", jobs.InFlight)
	fmt.Fprintf(w, "  ├─ ✅ Completed:    %d\n", jobs.Completed)
	fmt.Fprintf(w, "  ├─ ❌ Failed:       %d\n", jobs.Failed)
	fmt.Fprintf(w, "  └─ 🚫 Cancelled:    %d\n", jobs.Cancelled)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "🖥  Invokers (%d):\n", len(st.Invokers))
	if len(st.Invokers) == 0 {
		fmt.Fprintln(w, "  └─ none connected")
	}
	for i, inv := range st.Invokers {
		branch := "├─"
		if i == len(st.Invokers)-1 {
			branch = "└─"
		}
		state := "ok"
		if inv.Failed {
			state = "failed"
		}
		name := inv.ID
		if inv.NodeID != "" {
			name = inv.NodeID + " (" + inv.ID + ")"
		}
		fmt.Fprintf(w, "  %s %-6s %s  %d/%d  %s\n", branch, inv.Kind, name, inv.Launched, inv.Capacity, state)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
