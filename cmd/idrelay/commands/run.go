package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/idrelay/idrelay/pkg/config"
	"github.com/idrelay/idrelay/pkg/engine"
	"github.com/idrelay/idrelay/pkg/expr"
	"github.com/idrelay/idrelay/pkg/policy"
	"github.com/idrelay/idrelay/pkg/stores"
	"github.com/idrelay/idrelay/pkg/telemetry"
	"github.com/idrelay/idrelay/pkg/templates"
)

func newRunCommand() *cobra.Command {
	var (
		eventsPath string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process synchronization events",
		Long: `Run the synchronization engine over a stream of events.

Events are read as JSON lines, one event per line, from the given file or
from stdin. Each event is dispatched to the worker pool; one execution
result per event is written to stdout.`,
		Example: `  # Process events from a file
  idrelay run --events events.jsonl

  # Process events from stdin
  cat events.jsonl | idrelay run --events -

  # Machine-readable results
  idrelay run --events events.jsonl --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), eventsPath, jsonOut)
		},
	}

	cmd.Flags().StringVar(&eventsPath, "events", "-", "events file path, - for stdin")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print results as JSON")

	return cmd
}

func runEngine(ctx context.Context, eventsPath string, jsonOut bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	log := logger.Zerolog()

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if cfg.Telemetry.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	ctx = logger.WithContext(ctx)

	repo, dispatcher, cleanup, err := buildEngine(ctx, cfg, logger, tracer, metrics)
	if err != nil {
		return err
	}
	defer cleanup()
	defer repo.Close()

	input, closeInput, err := openEvents(eventsPath)
	if err != nil {
		return err
	}
	defer closeInput()

	dispatcher.Start(ctx)

	var (
		wg     sync.WaitGroup
		failed int
	)
	resultLog := logger.NewComponentLogger("results")
	wg.Add(1)
	go func() {
		defer wg.Done()
		for result := range dispatcher.Results() {
			rlog := resultLog.
				WithEventID(result.EventID).
				WithShadow(result.ResourceID, result.AccountID).
				WithSituation(string(result.Situation))
			if result.Outcome == engine.OutcomeFailed {
				failed++
				rlog.WithError(result.Error).Warn("Event failed")
			} else if result.IdentityID != "" {
				rlog.WithIdentityID(result.IdentityID).Debug("Event processed")
			}
			printResult(result, jsonOut)
		}
	}()

	submitted, err := submitEvents(ctx, dispatcher, input)
	dispatcher.Close()
	wg.Wait()

	log.Info().
		Int("submitted", submitted).
		Int("failed", failed).
		Msg("Event stream processed")

	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed", failed, submitted)
	}
	return nil
}

// buildEngine wires the engine components from configuration. The returned
// cleanup stops the template watcher.
func buildEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, tracer *telemetry.Tracer, metrics *telemetry.Metrics) (*stores.SQLiteRepository, *engine.Dispatcher, func(), error) {
	log := logger.Zerolog()
	cleanup := func() {}

	repo, err := stores.NewSQLiteRepository(stores.Config{
		Path:            cfg.Repository.Path,
		NaturalKey:      cfg.Repository.NaturalKey,
		MaxOpenConns:    cfg.Repository.MaxOpenConns,
		MaxIdleConns:    cfg.Repository.MaxIdleConns,
		ConnMaxLifetime: cfg.Repository.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create repository: %w", err)
	}
	if err := repo.Init(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, nil, nil, fmt.Errorf("failed to migrate repository: %w", err)
	}

	var templateStore engine.TemplateStore
	if cfg.Templates.Dir != "" {
		fileStore, err := templates.NewFileStore(cfg.Templates.Dir, log)
		if err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		if cfg.Templates.Watch {
			if err := fileStore.Watch(ctx); err != nil {
				repo.Close()
				return nil, nil, nil, err
			}
			cleanup = func() {
				if err := fileStore.StopWatching(); err != nil {
					log.Warn().Err(err).Msg("Failed to stop template watcher")
				}
			}
		}
		templateStore = fileStore
	}

	reviewEngine, err := policy.NewReviewEngine(log)
	if err != nil {
		repo.Close()
		return nil, nil, nil, err
	}
	if cfg.Policies.Dir != "" {
		if err := reviewEngine.LoadFromDirectory(ctx, cfg.Policies.Dir); err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
	}

	repoPort := engine.InstrumentRepository(repo, metrics)
	evaluator := expr.NewEvaluator(cfg.Engine.ExpressionTimeout)
	executor := engine.NewExecutor(
		repoPort,
		templateStore,
		engine.NewMappingEvaluator(cfg.Engine.Mappings, evaluator),
		engine.NewTemplateApplier(evaluator),
		engine.NewCorrelator(repoPort, log),
		engine.NewActionResolver(reviewEngine, log),
		engine.NewKeyedLockManager(cfg.Engine.LockWait),
		engine.Options{
			DefaultTemplateID: cfg.Engine.DefaultTemplateID,
			LockWait:          cfg.Engine.LockWait,
			RepositoryTimeout: cfg.Engine.RepositoryTimeout,
		},
		log,
		tracer,
		metrics,
	)

	dispatcher := engine.NewDispatcher(executor, repo, metrics, engine.DispatcherOptions{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, log)

	return repo, dispatcher, cleanup, nil
}

// openEvents opens the event stream, stdin for "-".
func openEvents(path string) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open events file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// submitEvents reads JSON lines and feeds them to the dispatcher. Malformed
// lines are logged and skipped; the stream keeps flowing.
func submitEvents(ctx context.Context, dispatcher *engine.Dispatcher, input io.Reader) (int, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("intake")

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	submitted := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		event := &engine.SyncEvent{}
		if err := json.Unmarshal(raw, event); err != nil {
			log.WithField("line", line).WithError(err).Warn("Skipping malformed event")
			continue
		}

		if err := dispatcher.Submit(ctx, event); err != nil {
			return submitted, err
		}
		submitted++
	}
	if err := scanner.Err(); err != nil {
		return submitted, fmt.Errorf("failed to read events: %w", err)
	}
	return submitted, nil
}

func printResult(result *engine.ExecutionResult, jsonOut bool) {
	if jsonOut {
		data, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode result %s: %v\n", result.EventID, err)
			return
		}
		fmt.Println(string(data))
		return
	}

	status := string(result.Outcome)
	if result.Error != nil {
		status = fmt.Sprintf("%s (%s: %s)", result.Outcome, result.Error.Code, result.Error.Message)
	}
	fmt.Printf("%s %s/%s %s -> %s %s\n",
		result.EventID,
		result.ResourceID,
		result.AccountID,
		result.Situation,
		result.Action,
		status,
	)
}
