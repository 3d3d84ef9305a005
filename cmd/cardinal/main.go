// Cardinal analysis orchestrator. `cardinal serve` runs the HTTP API with
// background maintenance; `analyze`, `incremental`, and `apply-fix` run one
// operation against the local store and print a colored summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/tessellate-ai/cardinal/pkg/api"
	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph/gosrc"
	"github.com/tessellate-ai/cardinal/pkg/health"
	"github.com/tessellate-ai/cardinal/pkg/janitor"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/orchestrator"
	"github.com/tessellate-ai/cardinal/pkg/provider"
	"github.com/tessellate-ai/cardinal/pkg/resilience"
	"github.com/tessellate-ai/cardinal/pkg/store"
	"github.com/tessellate-ai/cardinal/pkg/vcs"
	"github.com/tessellate-ai/cardinal/pkg/version"
)

// Exit codes follow the sysexits convention where one fits.
const (
	exitOK       = 0
	exitUsage    = 64 // bad invocation or a precondition the caller controls
	exitUpstream = 69 // provider unavailable everywhere
	exitInternal = 70
	exitSignal   = 130
)

// defaultConfigPath is probed when -config is not given. A missing file at
// this path means pure defaults; a missing file at an explicit path is an
// error.
const defaultConfigPath = "cardinal.yaml"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(rest)
	case "analyze":
		return runAnalyze(rest)
	case "incremental":
		return runIncremental(rest)
	case "apply-fix":
		return runApplyFix(rest)
	case "version":
		fmt.Println(version.Full())
		return exitOK
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "cardinal: unknown command %q\n\n", cmd)
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: cardinal <command> [flags]

Commands:
  serve                 run the HTTP API and background maintenance
  analyze <path>        analyze every source file under path
  incremental <path>    analyze files changed since a git base reference
  apply-fix <card-id>   apply a card's proposed fix to the analyzed tree
  version               print the build version

Run "cardinal <command> -h" for command flags.
`)
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	storePath  string
	debug      bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", getEnv("CARDINAL_CONFIG", defaultConfigPath), "path to cardinal.yaml")
	fs.StringVar(&cf.storePath, "store", getEnv("CARDINAL_STORE_PATH", ""), "override store_path from the config")
	fs.BoolVar(&cf.debug, "debug", false, "enable debug logging")
	return cf
}

// parseArgs runs the flag set and reports whether the command should
// continue. -h prints flag usage and exits cleanly.
func parseArgs(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

// loadConfig resolves the config path, loads .env beside it, and initializes
// configuration with any command-line overrides applied on top.
func loadConfig(cf *commonFlags) (*config.Config, error) {
	if cf.debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	path := cf.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Initialize(path)
	if err != nil {
		return nil, err
	}
	if cf.storePath != "" {
		cfg.StorePath = cf.storePath
	}
	return cfg, nil
}

// app bundles the dependency graph shared by serve and the one-shot
// commands. Construction order follows runtime dependency order.
type app struct {
	cfg     *config.Config
	bus     *bus.Bus
	store   *store.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
	gateway *provider.Gateway
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
}

// newApp wires the analysis stack. m may be nil for one-shot commands that
// never scrape metrics.
func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	logger := slog.Default()

	eventBus := bus.New(cfg.EventBacklog, logger)

	st, err := store.New(ctx, store.Options{
		Path:        cfg.StorePath,
		ProjectCode: cfg.ProjectCode,
		Bus:         eventBus,
		Logger:      logger,
	})
	if err != nil {
		eventBus.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	ca := cache.New(st, cfg.CacheOn(), logger)

	registry := resilience.NewRegistry(cfg, m, logger)
	gateway, err := provider.NewGateway(cfg, registry, m, logger)
	if err != nil {
		_ = st.Close()
		eventBus.Close()
		return nil, fmt.Errorf("build provider gateway: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Store:   st,
		Cache:   ca,
		Gateway: gateway,
		Graph:   gosrc.New(cfg.SourceExtensions, logger),
		VCS:     vcs.NewGit(logger),
		Bus:     eventBus,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		eventBus.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	return &app{
		cfg:     cfg,
		bus:     eventBus,
		store:   st,
		cache:   ca,
		metrics: m,
		gateway: gateway,
		orch:    orch,
		logger:  logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing store", "error", err)
	}
	a.bus.Close()
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cf := registerCommon(fs)
	listen := fs.String("listen", getEnv("CARDINAL_LISTEN_ADDR", ""), "override listen_addr from the config")
	if code, ok := parseArgs(fs, args); !ok {
		return code
	}

	// 1. Configuration.
	cfg, err := loadConfig(cf)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitUsage
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	slog.Info("Starting cardinal",
		"version", version.Full(),
		"listen_addr", cfg.ListenAddr,
		"store_path", cfg.StorePath,
		"provider_kind", cfg.ProviderKind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Analysis stack: bus, store, cache, provider gateway, orchestrator.
	m := metrics.New()
	a, err := newApp(ctx, cfg, m)
	if err != nil {
		slog.Error("Failed to build analysis stack", "error", err)
		return exitInternal
	}
	defer a.Close()

	// 3. Background maintenance. Agents left non-terminal by a crashed run
	// are surfaced here; the janitor fails them once they age past the
	// analysis deadline.
	if counts, err := a.store.CountRunningAgents(ctx); err == nil && len(counts) > 0 {
		a.logger.Warn("Found non-terminal agents from a previous run", "counts", counts)
	}
	jan := janitor.New(cfg, a.store, a.cache, a.bus, a.logger)
	jan.Start(ctx)
	defer jan.Stop()

	// 4. HTTP surface.
	srv, err := api.NewServer(api.Options{
		Config:       cfg,
		Store:        a.store,
		Cache:        a.cache,
		Orchestrator: a.orch,
		Health:       health.New(a.store, a.cache, cfg.StorePath, a.logger),
		Metrics:      m,
		Logger:       a.logger,
	})
	if err != nil {
		slog.Error("Failed to build HTTP server", "error", err)
		return exitInternal
	}

	// 5. Start HTTP server (non-blocking).
	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Start(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	slog.Info("Cardinal started successfully",
		"upstream", a.gateway.UpstreamName(),
		"cache_enabled", a.cache.Enabled())

	// 6. Wait for shutdown signal or server error.
	code := exitOK
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		code = exitInternal
	}

	// 7. Graceful shutdown. Drain HTTP with its own timeout budget; the
	// deferred stops then take the janitor down before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return code
}

func runAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	cf := registerCommon(fs)
	if code, ok := parseArgs(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cardinal analyze [flags] <path>")
		return exitUsage
	}
	path := fs.Arg(0)

	return oneShot(cf, func(ctx context.Context, a *app) (int, error) {
		summary, err := a.orch.AnalyzeFull(ctx, path)
		if err != nil {
			return 0, err
		}
		printSummary(summary)
		return exitCodeForSummary(summary), nil
	})
}

func runIncremental(args []string) int {
	fs := flag.NewFlagSet("incremental", flag.ContinueOnError)
	cf := registerCommon(fs)
	baseRef := fs.String("base", "", "git reference to diff against (default: last completed session, then HEAD~1)")
	if code, ok := parseArgs(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cardinal incremental [flags] <path>")
		return exitUsage
	}
	path := fs.Arg(0)

	return oneShot(cf, func(ctx context.Context, a *app) (int, error) {
		res, err := a.orch.AnalyzeIncremental(ctx, path, *baseRef)
		if err != nil {
			return 0, err
		}
		printSummary(res.Summary)
		fmt.Fprintf(os.Stdout, "  git:       %s..%s on %s\n",
			res.Git.BaseRef, shortCommit(res.Git.Commit), res.Git.Branch)
		fmt.Fprintf(os.Stdout, "  changes:   %d modified, %d added, %d deleted\n",
			res.Changes.ModifiedN, res.Changes.AddedN, res.Changes.DeletedN)
		return exitCodeForSummary(res.Summary), nil
	})
}

func runApplyFix(args []string) int {
	fs := flag.NewFlagSet("apply-fix", flag.ContinueOnError)
	cf := registerCommon(fs)
	actor := fs.String("actor", "cli", "actor recorded on the card's audit log")
	if code, ok := parseArgs(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cardinal apply-fix [flags] <card-id>")
		return exitUsage
	}
	cardID := fs.Arg(0)

	return oneShot(cf, func(ctx context.Context, a *app) (int, error) {
		res, err := a.orch.ApplyFix(ctx, cardID, *actor)
		if err != nil {
			return 0, err
		}
		color.New(color.FgGreen).Fprintf(os.Stdout, "Fix applied %s\n", res.CardID)
		fmt.Fprintf(os.Stdout, "  file:      %s\n", res.FilePath)
		fmt.Fprintf(os.Stdout, "  backup:    %s\n", res.BackupRef)
		return exitOK, nil
	})
}

// oneShot builds the stack, runs fn under signal cancellation, and maps the
// outcome to an exit code.
func oneShot(cf *commonFlags, fn func(ctx context.Context, a *app) (int, error)) int {
	cfg, err := loadConfig(cf)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to build analysis stack", "error", err)
		return exitInternal
	}
	defer a.Close()

	stopProgress := watchProgress(a)
	code, err := fn(ctx, a)
	stopProgress()
	if err != nil {
		kind := fault.KindOf(err)
		color.New(color.FgRed).Fprintf(os.Stderr, "error (%s): %v\n", kind, err)
		return exitCodeFor(err)
	}
	return code
}

// watchProgress redraws a progress line on stderr while an analysis runs.
// Skipped when stderr is not a terminal, so piped runs stay clean. The
// returned stop function unsubscribes and waits for the printer to drain.
func watchProgress(a *app) (stop func()) {
	if color.NoColor {
		return func() {}
	}
	sub := a.bus.Subscribe("cli-progress")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.C {
			switch p := evt.Payload.(type) {
			case bus.AnalysisProgressPayload:
				fmt.Fprintf(os.Stderr, "\r\033[K  analyzing: %d/%d modules, %d/%d functions",
					p.ModulesDone, p.ModulesTotal, p.FunctionsDone, p.FunctionsTotal)
			case bus.AnalysisCompletedPayload:
				fmt.Fprint(os.Stderr, "\r\033[K")
			}
		}
		fmt.Fprint(os.Stderr, "\r\033[K")
	}()
	return func() {
		a.bus.Unsubscribe(sub)
		<-done
	}
}

// exitCodeFor maps a failed operation onto the exit code contract. Callers
// own usage-class mistakes; availability kinds mean the provider was
// unreachable even after the envelope's retries.
func exitCodeFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindBadRequest, fault.KindNotFound, fault.KindVcsRequired,
		fault.KindIllegalTransition, fault.KindPathOutOfScope, fault.KindMultiHunkUnsupported:
		return exitUsage
	case fault.KindRateLimited, fault.KindOverloaded, fault.KindUpstreamTransient,
		fault.KindCircuitOpen, fault.KindTimeout, fault.KindAuth:
		return exitUpstream
	case fault.KindCancelled:
		return exitSignal
	default:
		return exitInternal
	}
}

// exitCodeForSummary maps a finished run onto an exit code. Degraded runs
// exit with the upstream code only when every recorded failure is an
// availability kind; mixed failures read as internal.
func exitCodeForSummary(s *models.SessionSummary) int {
	switch s.Status {
	case models.SessionStatusCompleted:
		return exitOK
	case models.SessionStatusCancelled:
		return exitSignal
	}
	if len(s.Errors) == 0 {
		return exitInternal
	}
	for _, e := range s.Errors {
		switch fault.Kind(e.Kind) {
		case fault.KindRateLimited, fault.KindOverloaded, fault.KindUpstreamTransient,
			fault.KindCircuitOpen, fault.KindTimeout:
		default:
			return exitInternal
		}
	}
	return exitUpstream
}

// printSummary renders a one-shot analysis result for humans. Log output
// goes to stderr, so stdout stays clean for the summary.
func printSummary(s *models.SessionSummary) {
	headline := color.New(color.FgGreen)
	switch s.Status {
	case models.SessionStatusCompleted:
	case models.SessionStatusDegraded:
		headline = color.New(color.FgYellow)
	default:
		headline = color.New(color.FgRed)
	}
	headline.Fprintf(os.Stdout, "%s %s\n", s.Status, s.SessionID)

	fmt.Fprintf(os.Stdout, "  path:      %s (%s mode)\n", s.Path, s.Mode)
	fmt.Fprintf(os.Stdout, "  analyzed:  %d files (%d skipped), %d modules, %d functions\n",
		s.FilesAnalyzed, s.FilesSkipped, s.ModuleCount, s.FunctionCount)
	fmt.Fprintf(os.Stdout, "  cards:     %d created\n", s.CardsCreated)
	fmt.Fprintf(os.Stdout, "  cache:     %d hits, %d misses\n", s.CacheHits, s.CacheMisses)
	fmt.Fprintf(os.Stdout, "  tokens:    %s in, %s out\n",
		humanize.Comma(int64(s.TokensIn)), humanize.Comma(int64(s.TokensOut)))
	fmt.Fprintf(os.Stdout, "  duration:  %s\n",
		(time.Duration(s.DurationMS) * time.Millisecond).Round(time.Millisecond))

	for _, e := range s.Errors {
		loc := e.Target
		if loc == "" {
			loc = e.AgentID
		}
		if loc != "" {
			color.New(color.FgRed).Fprintf(os.Stdout, "  error:     [%s] %s: %s\n", e.Kind, loc, e.Message)
		} else {
			color.New(color.FgRed).Fprintf(os.Stdout, "  error:     [%s] %s\n", e.Kind, e.Message)
		}
	}
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
