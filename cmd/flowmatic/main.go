package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/flowmatic-io/flowmatic/internal/config"
	"github.com/flowmatic-io/flowmatic/internal/otel"
	"github.com/flowmatic-io/flowmatic/pkg/compensation"
	"github.com/flowmatic-io/flowmatic/pkg/engine"
	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
	"github.com/flowmatic-io/flowmatic/pkg/storage/inmemory"
	sqlitestore "github.com/flowmatic-io/flowmatic/pkg/storage/sqlite"
)

func main() {
	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	conf := config.InitConfig()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       conf.Name,
		Level:      hclog.LevelFromString(conf.Log.Level),
		JSONFormat: conf.Log.JSON,
	})

	openTelemetry, err := otel.SetupOtel(conf.Name)
	if err != nil {
		logger.Error("failed to set up OTEL", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := buildStorage(conf.Storage)
	if err != nil {
		logger.Error("failed to set up storage", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewNotifier()
	metricsSub := notifier.SubscribeFunc(func(s notify.Signal) {
		recordSignal(appContext, s)
	})

	executor := engine.NewHandlerExecutor()
	eng := engine.NewEngine(
		engine.EngineWithStorage(store),
		engine.EngineWithExecutor(executor),
		engine.EngineWithNotifier(notifier),
		engine.EngineWithLogger(logger.Named("engine")),
		engine.EngineWithName(conf.Name),
		engine.EngineWithMaxRunningInstances(conf.Engine.MaxRunningInstances),
	)

	var compensateSub *notify.Subscription
	if conf.Engine.AutoCompensateOnFailure {
		compensator := compensation.NewService(store, executor,
			compensation.ServiceWithNotifier(notifier),
			compensation.ServiceWithLogger(logger.Named("compensation")),
			compensation.ServiceWithConfig(compensation.Config{
				ContinueOnFailure: conf.Engine.ContinueCompensationOnFailure,
			}),
		)
		compensateSub = notifier.SubscribeFunc(func(s notify.Signal) {
			if s.Name != notify.ProcessFailed {
				return
			}
			if _, err := compensator.CompensateProcess(appContext, s.ProcessInstanceKey, 0); err != nil {
				logger.Error("automatic compensation failed",
					"processInstanceKey", s.ProcessInstanceKey, "error", err)
			}
		})
	}

	if conf.Engine.DefinitionsDir != "" {
		deployDefinitions(appContext, &eng, logger, conf.Engine.DefinitionsDir)
	}
	logger.Info("engine started", "name", eng.Name(), "storage", conf.Storage.Driver)

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("received signal, shutting down", "signal", sig.String())

	ctxCancel()
	notifier.Unsubscribe(compensateSub)
	notifier.Unsubscribe(metricsSub)
	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}
	openTelemetry.Stop(context.Background())
}

func buildStorage(conf config.Storage) (storage.Storage, func() error, error) {
	switch conf.Driver {
	case config.StorageDriverSqlite:
		db, err := sql.Open("sqlite", conf.SqlitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlitestore.NewStorage(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	default:
		return inmemory.NewStorage(), nil, nil
	}
}

func deployDefinitions(ctx context.Context, eng *engine.Engine, logger hclog.Logger, dir string) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		logger.Error("failed to scan definitions dir", "dir", dir, "error", err)
		return
	}
	for _, file := range files {
		definition, err := eng.DeployDefinitionFromFile(ctx, file)
		if err != nil {
			logger.Error("failed to deploy definition", "file", file, "error", err)
			continue
		}
		logger.Info("deployed definition", "file", file,
			"processId", definition.Id, "version", definition.Version)
	}
}

func recordSignal(ctx context.Context, s notify.Signal) {
	switch s.Name {
	case notify.ProcessStarted:
		otel.ProcessInstancesStarted.Add(ctx, 1)
	case notify.ProcessCompleted:
		otel.ProcessInstancesCompleted.Add(ctx, 1)
	case notify.ProcessFailed:
		otel.ProcessInstancesFailed.Add(ctx, 1)
	case notify.TaskCreated:
		otel.TasksDispatched.Add(ctx, 1)
	case notify.TaskCompleted:
		if durationMs, ok := s.Data["durationMs"].(float64); ok {
			otel.TaskDuration.Record(ctx, durationMs)
		}
	case notify.TaskFailed:
		otel.TasksFailed.Add(ctx, 1)
	case notify.CompensationCompleted, notify.CompensationFailed:
		otel.CompensationRuns.Add(ctx, 1)
	case notify.MigrationCompleted:
		otel.InstancesMigrated.Add(ctx, 1)
	}
}
