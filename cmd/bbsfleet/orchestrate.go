package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bbsfleet/internal/llm"
	"bbsfleet/internal/logging"
	"bbsfleet/internal/memory"
	"bbsfleet/internal/observability"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/pool"
	"bbsfleet/internal/ratelimit"
	"bbsfleet/internal/schedule"
	"bbsfleet/internal/server"
	"bbsfleet/internal/simclock"
	"bbsfleet/internal/tui"
)

var (
	orchPersonas      string
	orchMaxConcurrent int
	orchSpeed         float64
	orchSimStart      string
	orchRPM           int
	orchNoTUI         bool
	orchPort          int
	orchStatusAddr    string
)

const shutdownTimeout = 30 * time.Second

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <host>",
	Short: "Run the whole fleet on its schedules against one board",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrchestrate,
}

func init() {
	orchestrateCmd.Flags().StringVar(&orchPersonas, "personas", "all", `comma-separated handles, or "all"`)
	orchestrateCmd.Flags().IntVar(&orchMaxConcurrent, "max-concurrent", 0, "simultaneous session limit")
	orchestrateCmd.Flags().Float64Var(&orchSpeed, "speed", -1, "sim speed (0 = turbo, 1 = realtime, N = Nx)")
	orchestrateCmd.Flags().StringVar(&orchSimStart, "sim-start", "", "simulated start time (RFC3339)")
	orchestrateCmd.Flags().IntVar(&orchRPM, "rpm", 0, "LLM requests per minute")
	orchestrateCmd.Flags().BoolVar(&orchNoTUI, "no-tui", false, "disable the monitoring TUI")
	orchestrateCmd.Flags().IntVar(&orchPort, "port", 0, "board port (default from config)")
	orchestrateCmd.Flags().StringVar(&orchStatusAddr, "status-addr", "", "serve the status API on this address")
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	host := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fatalf("config: %v", err)
	}
	if orchMaxConcurrent > 0 {
		cfg.Orchestrator.MaxConcurrent = orchMaxConcurrent
	}
	if orchSpeed >= 0 {
		cfg.Orchestrator.Speed = orchSpeed
	}
	if orchRPM > 0 {
		cfg.Orchestrator.RequestsPerMinute = orchRPM
	}
	if orchSimStart != "" {
		cfg.Orchestrator.SimStart = orchSimStart
	}
	if orchStatusAddr != "" {
		cfg.Orchestrator.StatusAddr = orchStatusAddr
	}
	if orchPort != 0 {
		cfg.Port = orchPort
	}
	if err := cfg.Validate(true); err != nil {
		return fatalf("%v", err)
	}

	personas, err := selectPersonas(cfg.PersonaDir, orchPersonas)
	if err != nil {
		return fatalf("%v", err)
	}

	logger := logging.NewComponentLogger("orchestrate")
	logger.Info("fleet of %d personas against %s:%d", len(personas), host, cfg.Port)

	simStart := time.Now()
	if cfg.Orchestrator.SimStart != "" {
		simStart, err = time.Parse(time.RFC3339, cfg.Orchestrator.SimStart)
		if err != nil {
			return fatalf("sim-start: %v", err)
		}
	}

	client, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		return fatalf("%v", err)
	}
	client = llm.WrapWithRetry(client)

	clock := simclock.New(simStart, cfg.Orchestrator.Speed, logging.NewComponentLogger("simclock"))
	limiter := ratelimit.New(cfg.Orchestrator.RequestsPerMinute, logging.NewComponentLogger("ratelimit"))
	metrics := observability.New()
	extractor := memory.NewExtractor(client, logging.NewComponentLogger("extractor"))

	sessionPool := pool.New(pool.Options{
		Host:      host,
		Port:      cfg.Port,
		Config:    cfg,
		Client:    client,
		Limiter:   limiter,
		Clock:     clock,
		Extractor: extractor,
		Metrics:   metrics,
		Logger:    logging.NewComponentLogger("pool"),
	})
	scheduler := schedule.New(clock, personas, 0, logging.NewComponentLogger("scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})
	group.Go(func() error {
		for due := range scheduler.Sessions() {
			sessionPool.Enqueue(due)
		}
		return nil
	})
	group.Go(func() error {
		metricsLoop(ctx, limiter, metrics)
		return nil
	})

	var statusSrv *server.Server
	if cfg.Orchestrator.StatusAddr != "" {
		statusSrv = server.New(sessionPool, clock, metrics, logging.NewComponentLogger("server"))
		group.Go(func() error {
			return statusSrv.Start(cfg.Orchestrator.StatusAddr)
		})
	}

	if !orchNoTUI && isTTY() {
		logging.SetConsole(false)
		if err := tui.Run(sessionPool, clock); err != nil {
			logger.Warn("tui exited: %v", err)
		}
		logging.SetConsole(true)
		stop() // quitting the monitor shuts the fleet down
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down, draining sessions for up to %s", shutdownTimeout)
	sessionPool.Shutdown(shutdownTimeout)
	limiter.Dispose()
	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusSrv.Stop(shutdownCtx)
		cancel()
	}
	_ = group.Wait()
	logger.Info("goodnight")
	return nil
}

// metricsLoop mirrors limiter state into gauges once a second.
func metricsLoop(ctx context.Context, limiter *ratelimit.Limiter, metrics *observability.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.LimiterTokens.Set(float64(limiter.Tokens()))
			metrics.LimiterWaiting.Set(float64(limiter.Waiting()))
		case <-ctx.Done():
			return
		}
	}
}

// selectPersonas loads the configured persona set, filtered to the CSV of
// handles unless it is "all".
func selectPersonas(dir, spec string) ([]*persona.Persona, error) {
	personas, err := persona.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("no personas found in %s", dir)
	}
	if spec == "" || spec == "all" {
		return personas, nil
	}

	wanted := make(map[string]bool)
	for _, handle := range strings.Split(spec, ",") {
		wanted[strings.TrimSpace(handle)] = true
	}
	var selected []*persona.Persona
	for _, p := range personas {
		if wanted[p.Handle] {
			selected = append(selected, p)
			delete(wanted, p.Handle)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for handle := range wanted {
			missing = append(missing, handle)
		}
		return nil, fmt.Errorf("unknown personas: %s", strings.Join(missing, ", "))
	}
	return selected, nil
}
