package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/23skdu/longbow-precision/internal/arrow_client"
	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/moe"
	"github.com/23skdu/longbow-precision/internal/monitoring"
	"github.com/23skdu/longbow-precision/internal/optimizer"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/tracebuf"
	"github.com/23skdu/longbow-precision/internal/transition"
	"github.com/23skdu/longbow-precision/internal/workload"
	"github.com/spf13/cobra"
)

var (
	simExperts          int
	simTopK             int
	simGateDim          int
	simWorkers          int
	simRequests         int
	simDuration         time.Duration
	simPause            time.Duration
	simHardware         string
	simTechnique        string
	simRoster           string
	simMetricsAddr      string
	simFlightAddr       string
	simTransitionsCSV   string
	simTransitionsArrow string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive synthetic MoE traffic through the precision optimizer",
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simExperts, "experts", 8, "Number of experts")
	f.IntVar(&simTopK, "top-k", 2, "Experts routed per request")
	f.IntVar(&simGateDim, "gate-dim", 16, "Gate feature dimension")
	f.IntVar(&simWorkers, "workers", 4, "Concurrent request workers")
	f.IntVar(&simRequests, "requests", 0, "Requests per worker (0 runs until --duration or interrupt)")
	f.DurationVar(&simDuration, "duration", 10*time.Second, "Run time limit (0 for none)")
	f.DurationVar(&simPause, "pause", time.Millisecond, "Pause between requests of one worker")
	f.StringVar(&simHardware, "hardware", "gpu", "Hardware category: cpu, gpu, tpu")
	f.StringVar(&simTechnique, "technique", "gptq", "Integer quantization technique: gptq or awq")
	f.StringVar(&simRoster, "roster", "static", "Fold roster: static (all experts) or gated (top-k of a fresh routing)")
	f.StringVar(&simMetricsAddr, "metrics-addr", "", "Serve /health, /metrics and /status here (overrides monitor.addr)")
	f.StringVar(&simFlightAddr, "flight-addr", "", "Export folded traces to this Arrow Flight server (overrides export.flight_addr)")
	f.StringVar(&simTransitionsCSV, "transitions-csv", "", "Write the transition log as CSV on exit")
	f.StringVar(&simTransitionsArrow, "transitions-arrow", "", "Write the transition log as an Arrow IPC file on exit")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simMetricsAddr != "" {
		cfg.Monitor.Addr = simMetricsAddr
	}
	if simFlightAddr != "" {
		cfg.Export.FlightAddr = simFlightAddr
	}
	log := logger.Log.With("component", "simulate")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simDuration)
		defer cancel()
	}

	hw := precision.NewHardwareProfile(simHardware)
	tlog := transition.NewLog()
	opts := []optimizer.Option{optimizer.WithTransitionLog(tlog)}

	if cfg.Export.FlightAddr != "" {
		fc, err := arrow_client.NewFlightClient(cfg.Export.FlightAddr, cfg.Export.BatchSize)
		if err != nil {
			return err
		}
		if err := fc.Connect(ctx); err != nil {
			return err
		}
		defer fc.Close()
		opts = append(opts, optimizer.WithSink(fc))
	}

	var opt *optimizer.Optimizer
	var monitor *monitoring.HealthMonitor
	if cfg.Monitor.Addr != "" {
		monitor = monitoring.NewHealthMonitor(version, func() optimizer.Status { return opt.Status() })
		opts = append(opts, optimizer.WithObserver(monitor))
	}

	opt, err = optimizer.NewFromConfig(cfg, opts...)
	if err != nil {
		return err
	}

	if monitor != nil {
		addr, err := monitor.Start(cfg.Monitor.Addr)
		if err != nil {
			return err
		}
		log.Info("Monitoring enabled", "addr", addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(shutdownCtx)
		}()
	}

	gate, ids, err := buildGate(cfg.Policy.Seed, simExperts, simGateDim, simTopK)
	if err != nil {
		return err
	}
	roster, err := buildRoster(simRoster, gate, ids, cfg.Policy.Seed)
	if err != nil {
		return err
	}

	wopts := workload.DefaultOptions()
	wopts.Workers = simWorkers
	wopts.Requests = simRequests
	wopts.Pause = simPause
	wopts.Seed = cfg.Policy.Seed
	wopts.Technique = simTechnique
	if wopts.Reference, err = cfg.ReferenceDepth(); err != nil {
		return err
	}

	buf := tracebuf.New()
	sim, err := workload.NewSimulator(gate, ids, opt, buf, tlog, hw, wopts)
	if err != nil {
		return err
	}

	log.Info("Starting simulation",
		"experts", simExperts,
		"top_k", simTopK,
		"workers", simWorkers,
		"hardware", hw.Category(),
		"primary", opt.Primary(),
		"fold_interval", cfg.Buffer.FoldInterval)

	// the optimizer outlives the workload so its final fold sees every trace
	foldCtx, stopFolds := context.WithCancel(context.Background())
	foldDone := make(chan error, 1)
	go func() {
		foldDone <- opt.Run(foldCtx, buf, roster, hw, cfg.Buffer.FoldInterval)
	}()

	stats, runErr := sim.Run(ctx)
	stopFolds()
	if err := <-foldDone; err != nil {
		log.Error("Optimizer stopped with error", "error", err)
	}
	if runErr != nil {
		return runErr
	}

	printSummary(cmd.OutOrStdout(), stats, opt)
	return writeTransitions(tlog)
}

func buildGate(seed int64, n, dim, topK int) (*moe.SoftmaxGate, []precision.ExpertID, error) {
	if n <= 0 || dim <= 0 {
		return nil, nil, fmt.Errorf("invalid gate: %d experts of dim %d", n, dim)
	}
	rng := rand.New(rand.NewSource(seed))
	experts := make([]moe.Expert, n)
	ids := make([]precision.ExpertID, n)
	for i := range experts {
		w := make([]float64, dim)
		for j := range w {
			w[j] = rng.NormFloat64()
		}
		ids[i] = precision.ExpertID(fmt.Sprintf("expert-%02d", i))
		experts[i] = moe.Expert{ID: ids[i], Weights: w}
	}
	gate, err := moe.NewSoftmaxGate(experts, topK)
	if err != nil {
		return nil, nil, err
	}
	return gate, ids, nil
}

func buildRoster(kind string, gate *moe.SoftmaxGate, ids []precision.ExpertID, seed int64) (moe.Roster, error) {
	switch kind {
	case "static":
		return moe.NewStaticRoster(ids...), nil
	case "gated":
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(seed ^ 0x5eed))
		return &moe.GatedRoster{
			Gate: gate,
			Features: func() []float64 {
				mu.Lock()
				defer mu.Unlock()
				f := make([]float64, gate.Dim())
				for i := range f {
					f[i] = rng.NormFloat64()
				}
				return f
			},
		}, nil
	}
	return nil, fmt.Errorf("invalid roster %q: must be static or gated", kind)
}

func printSummary(w io.Writer, stats workload.Stats, opt *optimizer.Optimizer) {
	status := opt.Status()
	fmt.Fprintf(w, "requests:    %d\n", stats.Requests)
	fmt.Fprintf(w, "traces:      %d\n", stats.Traces)
	fmt.Fprintf(w, "duration:    %s\n", stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "primary:     %s\n", status.Primary)
	fmt.Fprintf(w, "folds:       %d\n", status.Folds)
	fmt.Fprintf(w, "transitions: %d\n", status.Transitions)

	counts := opt.Transitions().Counts()
	for _, k := range transition.SortedKeys(counts) {
		fmt.Fprintf(w, "  %-24s %d\n", k.String(), counts[k])
	}
}

func writeTransitions(tlog *transition.Log) error {
	if simTransitionsCSV != "" {
		f, err := os.Create(simTransitionsCSV)
		if err != nil {
			return fmt.Errorf("create %s: %w", simTransitionsCSV, err)
		}
		if err := tlog.WriteCSV(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if simTransitionsArrow != "" {
		f, err := os.Create(simTransitionsArrow)
		if err != nil {
			return fmt.Errorf("create %s: %w", simTransitionsArrow, err)
		}
		if err := arrow_client.WriteTransitionsIPC(f, tlog.Records()); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
