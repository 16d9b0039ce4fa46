package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/privarion/privarion/internal/adapter/inbound/stdio"
	celeval "github.com/privarion/privarion/internal/adapter/outbound/cel"
	"github.com/privarion/privarion/internal/adapter/outbound/memory"
	"github.com/privarion/privarion/internal/adapter/outbound/sqlite"
	"github.com/privarion/privarion/internal/adapter/outbound/state"
	"github.com/privarion/privarion/internal/config"
	"github.com/privarion/privarion/internal/domain/audit"
	"github.com/privarion/privarion/internal/domain/auth"
	"github.com/privarion/privarion/internal/domain/grant"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/validation"
	"github.com/privarion/privarion/internal/metrics"
	"github.com/privarion/privarion/internal/service"
	"github.com/privarion/privarion/internal/telemetry"
)

// grantSweepInterval is how often expired grants are physically evicted.
const grantSweepInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision engine",
	Long: `Run the Privarion decision engine.

The engine loads the rule and policy catalogs, then serves decision
requests as JSON lines on stdin/stdout until EOF or SIGINT/SIGTERM.
Logs go to stderr so stdout stays a clean response stream.

Request examples:
  {"op":"decide","bundle_id":"com.example.app","service":"camera"}
  {"op":"grant","bundle_id":"com.example.app","service":"camera","duration":"5m","reason":"debugging","operator":"alice","operator_key":"..."}
  {"op":"revoke","grant_id":"<uuid>","operator":"alice","operator_key":"..."}
  {"op":"grants"}
  {"op":"recent","limit":10}`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Logs go to stderr; stdout is the response stream.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Engine.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C hard kills.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("privarion stopped")
	return nil
}

// run wires all components together and serves until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	// Telemetry.
	otelProvider := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		otelProvider, err = telemetry.Init(ctx, "privarion")
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// Metrics.
	var engineMetrics *metrics.Metrics
	var metricsServer *stdhttp.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		engineMetrics = metrics.NewMetrics(registry)

		mux := stdhttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &stdhttp.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	// Audit sink.
	auditStore, auditCloser, historySink, err := buildAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	if auditCloser != nil {
		defer func() { _ = auditCloser.Close() }()
	}

	auditOpts := []service.AuditOption{
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.AuditFlushInterval()),
	}
	if engineMetrics != nil {
		auditOpts = append(auditOpts, service.WithDropHook(engineMetrics.AuditDropsTotal.Inc))
	}
	auditService := service.NewAuditService(auditStore, logger, auditOpts...)
	auditService.Start()
	defer auditService.Stop()

	// Grant ledger.
	ledgerOpts := []memory.GrantLedgerOption{
		memory.WithRateLimit(cfg.RateLimit.Ceiling, cfg.RateWindow()),
	}
	if historySink != nil {
		ledgerOpts = append(ledgerOpts, memory.WithHistory(historySink))
	}
	ledger := memory.NewGrantLedger(logger, ledgerOpts...)
	ledger.StartSweep(ctx, grantSweepInterval)
	defer ledger.Stop()

	// Catalogs.
	catalogs, err := loadCatalogs(cfg, logger)
	if err != nil {
		return err
	}

	// Rule engine.
	ruleStore := memory.NewRuleStore()
	engine := service.NewRuleEngine(ruleStore, logger)
	validator := validation.NewValidator(nil,
		validation.WithComplexityCeiling(cfg.Engine.ComplexityCeiling),
		validation.WithExpressionChecker(evaluator))
	for _, spec := range catalogs.Rules {
		r, err := spec.ToRule(evaluator)
		if err != nil {
			return fmt.Errorf("rule catalog: %w", err)
		}
		if res := validator.ValidateRule(r); !res.Valid {
			return fmt.Errorf("rule %q invalid: %s", r.ID, strings.Join(res.Issues, "; "))
		}
		if err := engine.AddRule(r); err != nil {
			return fmt.Errorf("rule catalog: %w", err)
		}
	}
	logger.Info("rules loaded", "count", len(catalogs.Rules))

	// Profiles.
	profiles := service.NewProfileService(profile.Policy{
		Identifier:      profile.DefaultIdentifier,
		ProtectionLevel: profile.ProtectionStandard,
	}, logger)
	if err := seedProfiles(profiles, catalogs.Policies, evaluator, cfg, logger); err != nil {
		return err
	}

	// Operators.
	operators := auth.NewRegistry()
	for _, spec := range catalogs.Operators {
		if err := operators.Register(auth.Operator{Name: spec.Name, KeyHash: spec.KeyHash}); err != nil {
			return fmt.Errorf("operator %q: %w", spec.Name, err)
		}
	}
	if operators.Len() > 0 {
		logger.Info("operators registered", "count", operators.Len())
	}

	// Persist the loaded catalogs as the boot snapshot.
	if cfg.Engine.SnapshotFile != "" {
		snapStore := state.NewSnapshotStore(cfg.Engine.SnapshotFile, logger)
		snap := snapStore.DefaultSnapshot()
		snap.Rules = catalogs.Rules
		snap.Policies = catalogs.Policies
		snap.Operators = catalogs.Operators
		if err := snapStore.Save(snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		logger.Debug("snapshot saved", "path", cfg.Engine.SnapshotFile)
	}

	// Decision façade.
	permOpts := []service.PermissionOption{
		service.WithGrantLedger(ledger),
		service.WithAuditService(auditService),
		service.WithKnownServices(cfg.Engine.KnownServices),
		service.WithOperators(operators),
		service.WithDecisionCacheSize(cfg.Engine.CacheSize),
		service.WithTelemetry(otelProvider),
	}
	if engineMetrics != nil {
		permOpts = append(permOpts, service.WithMetrics(engineMetrics))
	}
	permissions := service.NewPermissionService(engine, profiles, logger, permOpts...)

	logger.Info("privarion ready",
		"rules", len(catalogs.Rules),
		"policies", len(catalogs.Policies),
		"rate_ceiling", cfg.RateLimit.Ceiling,
		"rate_window", cfg.RateWindow().String(),
	)

	server := stdio.NewServer(permissions, ledger, auditService, logger)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// catalogSet is the merged catalog content the engine boots from.
type catalogSet struct {
	Rules     []config.RuleSpec
	Policies  []config.PolicySpec
	Operators []config.OperatorSpec
}

// loadCatalogs reads the configured catalog files. When no catalog files are
// configured, it falls back to the boot snapshot if one exists.
func loadCatalogs(cfg *config.Config, logger *slog.Logger) (*catalogSet, error) {
	set := &catalogSet{}

	if cfg.Catalog.RulesFile == "" && cfg.Catalog.PoliciesFile == "" && cfg.Catalog.OperatorsFile == "" {
		if cfg.Engine.SnapshotFile != "" {
			snapStore := state.NewSnapshotStore(cfg.Engine.SnapshotFile, logger)
			snap, err := snapStore.Load()
			if err != nil {
				return nil, fmt.Errorf("failed to load snapshot: %w", err)
			}
			set.Rules = snap.Rules
			set.Policies = snap.Policies
			set.Operators = snap.Operators
			logger.Info("booting from snapshot", "path", cfg.Engine.SnapshotFile)
		}
		return set, nil
	}

	if cfg.Catalog.RulesFile != "" {
		cat, err := config.LoadRuleCatalog(cfg.Catalog.RulesFile)
		if err != nil {
			return nil, err
		}
		set.Rules = cat.Rules
	}
	if cfg.Catalog.PoliciesFile != "" {
		cat, err := config.LoadPolicyCatalog(cfg.Catalog.PoliciesFile)
		if err != nil {
			return nil, err
		}
		set.Policies = cat.Policies
	}
	if cfg.Catalog.OperatorsFile != "" {
		cat, err := config.LoadOperatorCatalog(cfg.Catalog.OperatorsFile)
		if err != nil {
			return nil, err
		}
		set.Operators = cat.Operators
	}
	return set, nil
}

// seedProfiles validates and installs catalog policies. Parent references
// resolve against the whole catalog, so order within the file is free.
func seedProfiles(profiles *service.ProfileService, specs []config.PolicySpec, evaluator *celeval.Evaluator, cfg *config.Config, logger *slog.Logger) error {
	if len(specs) == 0 {
		return nil
	}

	lookup := make(map[string]profile.Policy, len(specs))
	policies := make([]profile.Policy, 0, len(specs))
	for _, spec := range specs {
		p, err := spec.ToPolicy(evaluator)
		if err != nil {
			return fmt.Errorf("policy catalog: %w", err)
		}
		lookup[p.Identifier] = p
		policies = append(policies, p)
	}

	validator := validation.NewValidator(policyLookup(lookup),
		validation.WithComplexityCeiling(cfg.Engine.ComplexityCeiling),
		validation.WithExpressionChecker(evaluator))
	for _, p := range policies {
		if res := validator.ValidatePolicy(p); !res.Valid {
			return fmt.Errorf("policy %q invalid: %s", p.Identifier, strings.Join(res.Issues, "; "))
		}
		profiles.AddPolicy(p)
	}
	logger.Info("policies loaded", "count", len(policies))
	return nil
}

// policyLookup adapts a map to validation.PolicyLookup.
type policyLookup map[string]profile.Policy

func (m policyLookup) GetPolicy(identifier string) (profile.Policy, bool) {
	p, ok := m[identifier]
	return p, ok
}

// buildAuditStore selects the audit sink from config. For sqlite output the
// store doubles as the grant history sink.
func buildAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, io.Closer, grant.HistorySink, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		// Decisions already go to stdout as responses; the audit stream goes
		// to stderr to keep the response stream parseable.
		return memory.NewAuditStoreWithWriter(os.Stderr, cfg.Audit.HistoryLimit), nil, nil, nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		path := strings.TrimPrefix(cfg.Audit.Output, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		return memory.NewAuditStoreWithWriter(f, cfg.Audit.HistoryLimit), f, nil, nil

	case strings.HasPrefix(cfg.Audit.Output, "sqlite://"):
		path := strings.TrimPrefix(cfg.Audit.Output, "sqlite://")
		store, err := sqlite.Open(path, sqlite.WithMaxRows(cfg.Audit.HistoryLimit))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open audit history: %w", err)
		}
		logger.Info("audit history enabled", "path", path, "max_rows", cfg.Audit.HistoryLimit)
		return store, store, store.GrantSink(), nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported audit output: %s", cfg.Audit.Output)
	}
}

// parseLogLevel maps the configured level to slog, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
