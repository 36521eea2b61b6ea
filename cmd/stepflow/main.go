// Command stepflow runs and operates the workflow orchestration engine:
// start a processor, validate definitions, submit workflows, inject
// events, inspect status, and apply retention.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/config"
	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/metrics"
	"github.com/stepflow-io/stepflow/pkg/ratelimit"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

var configFile string

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Durable workflow orchestration for outreach sequences",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildValidateCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildEmitCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildPurgeCommand())
	return root
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func openDB(dsn string) (*gorm.DB, error) {
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		return gorm.Open(sqlite.Open(path), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// runtime holds everything a command needs after wiring.
type runtime struct {
	cfg      config.Config
	engine   *engine.Engine
	registry *definition.Registry
	resolver *agent.Resolver
	reg      *prometheus.Registry
}

func wire(cfg config.Config) (*runtime, error) {
	db, err := openDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.ConfigurePool(db); err != nil {
		return nil, err
	}

	ctx := context.Background()
	jobs := storage.NewJobStore(db)
	state := storage.NewStateStore(db)
	gormCounters := storage.NewCounterStore(db)
	for _, m := range []interface {
		Migrate(context.Context) error
	}{jobs, state, gormCounters} {
		if err := m.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var counters core.CounterStore = gormCounters
	if cfg.RedisAddr != "" {
		counters = ratelimit.NewRedisCounterStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	registry, err := definition.LoadRegistry(cfg.DefinitionDir)
	if err != nil {
		return nil, err
	}

	resolver := agent.NewResolver()
	registerBuiltins(resolver)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	eng := engine.New(jobs, state, counters, registry, resolver,
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
		engine.WithStepTimeout(cfg.StepTimeout.Std()),
		engine.WithMaxJobRetries(cfg.MaxJobRetries),
	)
	return &runtime{cfg: cfg, engine: eng, registry: registry, resolver: resolver, reg: promReg}, nil
}

// registerBuiltins installs debug capabilities so definitions can be
// exercised end to end without wiring real integrations: debug.echo
// returns its inputs, debug.log writes them to the processor log.
func registerBuiltins(r *agent.Resolver) {
	r.MustRegister("debug.echo", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			out[k] = v
		}
		return out, nil
	})
	r.MustRegister("debug.log", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		slog.Info("debug.log capability", "inputs", inputs)
		return map[string]any{"logged": true}, nil
	})
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a workflow processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := wire(cfg)
			if err != nil {
				return err
			}

			proc := engine.NewProcessor(rt.engine, engine.ProcessorConfig{
				Concurrency:       cfg.Concurrency,
				PollInterval:      cfg.PollInterval.Std(),
				VisibilityTimeout: cfg.VisibilityTimeout.Std(),
				EnableScheduler:   true,
			})

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler(rt.reg))
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
					if !proc.Healthy() {
						http.Error(w, "store unavailable", http.StatusServiceUnavailable)
						return
					}
					fmt.Fprintln(w, "ok")
				})
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						slog.Error("metrics server stopped", "error", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("processor starting",
				"workflows", rt.registry.Names(),
				"concurrency", cfg.Concurrency)
			if err := proc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("processor stopped")
			return nil
		},
	}
}

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate every workflow definition in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(args[0])
			if err != nil {
				return err
			}
			total, failed := 0, 0
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
					continue
				}
				total++
				path := filepath.Join(args[0], name)
				f, err := definition.LoadFile(path)
				if err != nil {
					failed++
					fmt.Printf("FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Printf("OK   %s (%s)\n", path, f.Definition.Name)
			}
			if total == 0 {
				return fmt.Errorf("no workflow definitions found in %s", args[0])
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, total)
			}
			return nil
		},
	}
}

func buildSubmitCommand() *cobra.Command {
	var inputPairs []string
	var inputsJSON string
	var priority string

	cmd := &cobra.Command{
		Use:   "submit <workflow>",
		Short: "Enqueue a new workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := wire(cfg)
			if err != nil {
				return err
			}

			inputs := map[string]any{}
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}
			for _, pair := range inputPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid --input %q, want key=value", pair)
				}
				inputs[k] = v
			}

			jobID, err := rt.engine.SubmitWorkflow(cmd.Context(), args[0], inputs, core.ParsePriority(priority))
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "workflow inputs as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", "normal", "job priority: low, normal, high, critical")
	return cmd
}

func buildEmitCommand() *cobra.Command {
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "emit <event>",
		Short: "Dispatch an external event against registered triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := wire(cfg)
			if err != nil {
				return err
			}

			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}

			res, err := rt.engine.Dispatch(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			if !res.Matched {
				fmt.Println("event matched no trigger")
				return nil
			}
			for _, id := range res.JobIDs {
				fmt.Println("job", id)
			}
			for _, id := range res.InstanceIDs {
				fmt.Println("instance", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as a JSON object")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var asInstance bool

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job's or instance's durably recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := wire(cfg)
			if err != nil {
				return err
			}

			if asInstance {
				inst, records, err := rt.engine.InstanceStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"instance": inst, "records": records})
			}

			job, err := rt.engine.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("no job with id %s", args[0])
			}
			return printJSON(job)
		},
	}
	cmd.Flags().BoolVar(&asInstance, "instance", false, "look up a workflow instance instead of a job")
	return cmd
}

func buildPurgeCommand() *cobra.Command {
	var days int
	var statusNames []string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal jobs and instances past the retention bound",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := wire(cfg)
			if err != nil {
				return err
			}

			if days == 0 {
				days = cfg.RetentionDays
			}
			var statuses []core.InstanceStatus
			for _, s := range statusNames {
				statuses = append(statuses, core.InstanceStatus(s))
			}

			jobsPurged, instancesPurged, err := rt.engine.Purge(cmd.Context(), days, statuses)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d jobs, %d instances older than %d days\n", jobsPurged, instancesPurged, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention bound in days (default: config retention_days)")
	cmd.Flags().StringArrayVar(&statusNames, "status", nil, "terminal instance status to purge (repeatable; default: all)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
