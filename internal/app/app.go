// Package app wires the whole orchestrator together from Settings:
// logging, the history database, the scheduler, the adapters, the
// executor and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/icicle-ci/icicle/internal/cacheadapter"
	"github.com/icicle-ci/icicle/internal/config"
	"github.com/icicle-ci/icicle/internal/dashboard"
	"github.com/icicle-ci/icicle/internal/evaluator"
	"github.com/icicle-ci/icicle/internal/executor"
	"github.com/icicle-ci/icicle/internal/history"
	"github.com/icicle-ci/icicle/internal/history/migrations"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/restapi"
	"github.com/icicle-ci/icicle/internal/scheduler"
	"github.com/icicle-ci/icicle/internal/scmnotify"
	"github.com/icicle-ci/icicle/internal/util"
	"github.com/icicle-ci/icicle/internal/webhook"
)

// App is the assembled orchestrator.
type App struct {
	Settings        *config.Settings
	Queue           *scheduler.BuildQueue
	WorkflowManager *WorkflowManager
	HTTPServer      *http.Server

	executorService *util.Service
	log             logger.Log
}

// New builds the full object graph from settings. The returned cleanup
// function closes the database and must be called on shutdown.
func New(ctx context.Context, settings *config.Settings) (*App, func(), error) {
	levels, err := logger.ParseLevelConfig(settings.Log.Level, settings.Log.Levels)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing log levels: %w", err)
	}
	logFactory := logger.NewFactory(levels)
	log := logFactory("App")

	dbConfig := history.DatabaseConfigFromPath(settings.Database.Path)
	migrationRunner := migrations.NewHistoryRunner(logFactory)
	db, dbCleanup, err := history.NewDatabase(ctx, dbConfig, migrationRunner)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening history database: %w", err)
	}
	historyStore := history.NewStore(db, logFactory)

	queue := scheduler.New(logFactory("Scheduler"))

	notifier, err := scmnotify.New(scmnotify.Config{
		AppID:           settings.GitHub.AppID,
		PrivateKeyPath:  settings.GitHub.PrivateKeyPath,
		InstallationID:  settings.GitHub.InstallationID,
		StatusTargetURL: settings.GitHub.StatusTargetURL,
	}, logFactory)
	if err != nil {
		dbCleanup()
		return nil, nil, fmt.Errorf("error creating SCM notifier: %w", err)
	}

	eval := evaluator.New(logFactory("Evaluator"))
	workflowManager := NewWorkflowManager(ctx, queue, eval, historyStore, notifier, settings.Nix, logFactory)

	cache := cacheadapter.New(cacheadapter.Config{
		CacheURL:       settings.Cache.CacheURL,
		AtticCacheName: settings.Cache.AtticCacheName,
	}, logFactory("CacheAdapter"))
	builder := executor.NewNixBuilder(logFactory("NixBuilder"))

	buildExecutor := executor.New(queue, cache, builder, historyStore, executor.Config{
		MaxConcurrentBuilds: settings.Build.MaxConcurrentBuilds,
		BuildTimeout:        settings.Build.BuildTimeout(),
	}, logFactory("Executor"),
		executor.WithCompletionHandler(workflowManager.HandleCompletions))

	webhookAPI := webhook.NewGitHubWebhookAPI(settings.Webhook.Secret, workflowManager, logFactory)
	dashboardAPI := dashboard.New(queue, historyStore, logFactory)
	statusAPI := restapi.NewStatusAPI(queue, logFactory)
	router := restapi.NewRouter(webhookAPI, dashboardAPI, statusAPI, logFactory)
	httpServer := restapi.NewHTTPServer(settings.Server.Address(), router)

	a := &App{
		Settings:        settings,
		Queue:           queue,
		WorkflowManager: workflowManager,
		HTTPServer:      httpServer,
		log:             log,
	}
	a.executorService = util.NewService(ctx, logFactory("ExecutorService"), func(ctx context.Context) {
		if err := buildExecutor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("executor stopped unexpectedly: %v", err)
		}
	})

	return a, dbCleanup, nil
}

// Start launches the executor pool and the HTTP listener.
func (a *App) Start() {
	a.executorService.Start()
	go func() {
		a.log.Infof("HTTP server listening on %s", a.Settings.Server.Address())
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Stop drains the HTTP server within ctx's deadline and stops the
// executor pool.
func (a *App) Stop(ctx context.Context) error {
	err := a.HTTPServer.Shutdown(ctx)
	a.executorService.Stop()
	return err
}
