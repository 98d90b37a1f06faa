package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cyber-agent-runner/internal/backend"
	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/deploy"
	"cyber-agent-runner/internal/engine"
	"cyber-agent-runner/internal/monitor"
	"cyber-agent-runner/internal/resilience"
	"cyber-agent-runner/internal/service"
	"cyber-agent-runner/internal/storage"
)

var (
	configPath string
	modeName   string

	runModule     string
	runObjective  string
	runTarget     string
	runIterations int
	runProvider   string
	runModel      string
	runRegion     string
	runVerbose    bool

	historyLimit  int
	historyTarget string

	outputJSON bool
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Run and manage security agent assessments",
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file path")
	root.PersistentFlags().StringVar(&modeName, "mode", "native", "Execution mode (native, single, stack)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Launch an assessment and stream its events",
		RunE:  runAssessment,
	}
	runCmd.Flags().StringVarP(&runModule, "module", "m", "", "Assessment module")
	runCmd.Flags().StringVarP(&runObjective, "objective", "o", "", "Assessment objective")
	runCmd.Flags().StringVarP(&runTarget, "target", "t", "", "Assessment target")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0, "Step cap (0 uses the configured default)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Model provider")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model identifier")
	runCmd.Flags().StringVar(&runRegion, "region", "", "Provider region")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Verbose agent output")
	_ = runCmd.MarkFlagRequired("module")
	_ = runCmd.MarkFlagRequired("objective")
	_ = runCmd.MarkFlagRequired("target")
	root.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the environment for the chosen mode",
		RunE:  runValidate,
	}
	validateCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the result as JSON")
	root.AddCommand(validateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Prepare the environment for the chosen mode",
		RunE:  runSetup,
	})

	root.AddCommand(&cobra.Command{
		Use:       "switch-mode [native|single|stack]",
		Short:     "Reconcile running services to a deployment mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"native", "single", "stack"},
		RunE:      runSwitchMode,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Report service health for the current deployment",
		RunE:  runHealth,
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List archived assessments",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum records to list")
	historyCmd.Flags().StringVar(&historyTarget, "target", "", "Filter by target")
	root.AddCommand(historyCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		return cfg
	}
	log.Info().Msg("no config file found, using defaults")
	return config.DefaultConfig()
}

// app bundles the collaborators most commands need.
type app struct {
	cfg     *config.Config
	eng     *engine.Docker
	manager *deploy.Manager
	metrics *monitor.Metrics
}

func newApp() *app {
	cfg := loadConfig()
	breaker := resilience.NewCircuitBreaker("engine", cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout)
	metrics := monitor.NewMetrics()
	breaker.OnStateChange(func(_ string, _, to resilience.BreakerState) {
		metrics.SetBreakerState(int(to))
	})
	eng := engine.NewDocker(cfg, breaker)
	return &app{
		cfg:     cfg,
		eng:     eng,
		manager: deploy.NewManager(cfg, eng),
		metrics: metrics,
	}
}

func (a *app) executionService() (*service.Service, func(), error) {
	var mode service.ExecutionMode
	var b backend.Backend
	switch modeName {
	case "native", "native-process":
		mode = service.NativeProcess
		b = backend.NewProcessBackend(a.cfg)
	case "single", "single-container":
		mode = service.SingleContainer
		b = backend.NewContainerBackend(a.cfg, a.eng)
	case "stack", "container-stack":
		mode = service.ContainerStack
		b = backend.NewStackBackend(a.cfg, a.manager, a.eng, milestone)
	default:
		return nil, nil, fmt.Errorf("unknown execution mode %q", modeName)
	}

	opts := service.Options{
		Engine:  a.eng,
		Manager: a.manager,
		Metrics: a.metrics,
		Tracer:  monitor.NewTracer(),
	}

	cleanup := func() {}
	if a.cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := storage.New(ctx, a.cfg.Database)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, history recording disabled")
		} else {
			writer := storage.NewHistoryWriter(db, 1024)
			writer.Start()
			opts.History = writer
			cleanup = func() {
				writer.Flush(10 * time.Second)
				db.Close()
			}
		}
	}

	return service.New(a.cfg, mode, b, opts), cleanup, nil
}

func (a *app) serveMetrics() {
	if !a.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("metrics listening")
}

func runAssessment(cmd *cobra.Command, _ []string) error {
	a := newApp()
	a.serveMetrics()

	svc, cleanup, err := a.executionService()
	if err != nil {
		return err
	}
	defer cleanup()

	if r := svc.Validate(cmd.Context()); !r.Valid {
		printValidation(r)
		return fmt.Errorf("environment not ready: %s", r.Error)
	}

	exec, err := svc.Execute(cmd.Context(), backend.Params{
		Module:     runModule,
		Objective:  runObjective,
		Target:     runTarget,
		Iterations: runIterations,
		Provider:   runProvider,
		Model:      runModel,
		Region:     runRegion,
		Verbose:    runVerbose,
	})
	if err != nil {
		return err
	}
	log.Info().Str("execution", exec.ID).Msg("assessment started")

	// First interrupt asks the agent to wind down; a second one force-kills.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := exec.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("stop failed")
			}
			cancel()
		}
	}()

	renderEvents(exec.Events())

	res := <-exec.Result()
	printResult(res)
	if res.Err != nil || (!res.Success && !res.Stopped) {
		os.Exit(1)
	}
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	a := newApp()
	svc, cleanup, err := a.executionService()
	if err != nil {
		return err
	}
	defer cleanup()

	r := svc.Validate(cmd.Context())
	if outputJSON {
		return printJSON(r)
	}
	printValidation(r)
	if !r.Valid {
		os.Exit(1)
	}
	return nil
}

func runSetup(cmd *cobra.Command, _ []string) error {
	a := newApp()
	svc, cleanup, err := a.executionService()
	if err != nil {
		return err
	}
	defer cleanup()

	return svc.Setup(cmd.Context(), milestone)
}

func runSwitchMode(cmd *cobra.Command, args []string) error {
	target, err := deploy.ParseMode(args[0])
	if err != nil {
		return err
	}

	a := newApp()
	started := time.Now()
	err = a.manager.SwitchToMode(cmd.Context(), target, milestone)
	result := "success"
	if err != nil {
		result = "failure"
	}
	a.metrics.RecordModeSwitch(target.String(), result, time.Since(started).Seconds())
	return err
}

func runHealth(cmd *cobra.Command, _ []string) error {
	a := newApp()
	mon := deploy.NewHealthMonitor(a.cfg, a.manager, a.eng)
	status := mon.Check(cmd.Context())
	printHealth(status)
	if status.Overall == deploy.StatusUnhealthy {
		os.Exit(1)
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a := newApp()
	if a.cfg.Database.DSN == "" {
		return fmt.Errorf("no database configured, set database.dsn")
	}

	db, err := storage.New(cmd.Context(), a.cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to history database: %w", err)
	}
	defer db.Close()

	records, err := db.ListAssessments(cmd.Context(), storage.AssessmentFilter{
		Target: historyTarget,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	printHistory(records)
	return nil
}
