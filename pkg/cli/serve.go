package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	githubcontroller "github.com/m-mizutani/flakewatch/pkg/controller/github"
	controller "github.com/m-mizutani/flakewatch/pkg/controller/http"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	githubinfra "github.com/m-mizutani/flakewatch/pkg/infra/github"
	"github.com/m-mizutani/flakewatch/pkg/infra/notify"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/m-mizutani/flakewatch/pkg/worker"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var (
		serverCfg  config.Server
		githubCfg  config.GitHub
		storeCfg   config.Store
		queueCfg   config.Queue
		workerCfg  config.Worker
		policyFile config.PolicyFile
		slackCfg   config.Slack
		archiveCfg config.Archive
	)

	var flags []cli.Flag
	flags = append(flags, serverCfg.Flags()...)
	flags = append(flags, githubCfg.Flags()...)
	flags = append(flags, storeCfg.Flags()...)
	flags = append(flags, queueCfg.Flags()...)
	flags = append(flags, workerCfg.Flags()...)
	flags = append(flags, policyFile.Flags()...)
	flags = append(flags, slackCfg.Flags()...)
	flags = append(flags, archiveCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server, worker pool and recoverer",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := ctxlog.From(ctx)

			logger.Info("Starting flakewatch server",
				slog.String("addr", serverCfg.Addr),
				slog.Any("github", githubCfg),
				slog.Any("store", storeCfg),
				slog.Any("queue", queueCfg),
				slog.Any("worker", workerCfg),
			)

			policy, err := policyFile.Load()
			if err != nil {
				return err
			}

			backend, err := storeCfg.New(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to open store")
			}
			defer closeWith(ctx, "store", backend.Close)
			repo := backend.Repository

			broker, err := queueCfg.New(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to open queue")
			}
			defer closeWith(ctx, "queue", broker.Close)

			for _, rule := range policy.Rules {
				if err := repo.PutAlertRule(ctx, rule); err != nil {
					return goerr.Wrap(err, "failed to seed alert rule", goerr.V("rule_id", rule.ID))
				}
				logger.Info("alert rule seeded", "rule_id", rule.ID, "trigger", rule.Trigger, "enabled", rule.Enabled)
			}

			// Create use cases
			alertOpts := []usecase.AlertOption{
				usecase.WithSeverityConfig(policy.Severity),
				usecase.WithNotifier(notify.NewLogNotifier()),
			}
			var prOpts []usecase.PullRequestOption

			ghClient, err := githubCfg.NewClient()
			if err != nil {
				return err
			}
			if ghClient != nil {
				prOpts = append(prOpts, usecase.WithGitHubClient(ghClient))
				alertOpts = append(alertOpts, usecase.WithNotifier(githubinfra.NewCommentNotifier(ghClient)))
			}
			if n := slackCfg.Notifier(); n != nil {
				alertOpts = append(alertOpts, usecase.WithNotifier(n))
			}

			var archiver interfaces.DeadLetterArchiver
			if a, err := archiveCfg.New(ctx); err != nil {
				return err
			} else if a != nil {
				defer closeWith(ctx, "archiver", a.Close)
				archiver = a
			}

			dispatcher := usecase.NewDispatcher(broker.Queue)
			alertUC := usecase.NewAlert(repo, alertOpts...)
			flakinessUC := usecase.NewFlakiness(repo, alertUC, policy.Flakiness)
			processor := githubcontroller.NewEventProcessor(
				usecase.NewPullRequest(repo, prOpts...),
				usecase.NewCI(repo, dispatcher),
			)
			webhookUC := usecase.NewWebhook(repo, dispatcher, usecase.WithLatencyBudget(serverCfg.LatencyBudget))

			var poolOpts []worker.Option
			if archiver != nil {
				poolOpts = append(poolOpts, worker.WithArchiver(archiver))
			}
			pool := worker.New(repo, broker.Queue, processor, flakinessUC, workerCfg.PoolConfig(policy), poolOpts...)
			recoverer := worker.NewRecoverer(repo, dispatcher, workerCfg.RecovererConfig(policy), archiver)

			// Create HTTP server with options
			serverOpts := []controller.Option{
				controller.WithAddr(serverCfg.Addr),
				controller.WithWebhookSecret(githubCfg.WebhookSecret),
				controller.WithMaxPayloadSize(serverCfg.MaxPayloadSize),
			}
			if backend.Ping != nil {
				serverOpts = append(serverOpts, controller.WithHealthCheck("store", backend.Ping))
			}
			if broker.Ping != nil {
				serverOpts = append(serverOpts, controller.WithHealthCheck("queue", broker.Ping))
			}
			server, err := controller.NewServer(ctx, webhookUC, serverOpts...)
			if err != nil {
				return goerr.Wrap(err, "failed to create HTTP server")
			}

			workerCtx, stopWorkers := context.WithCancel(ctx)
			defer stopWorkers()

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				pool.Run(workerCtx)
			}()
			go func() {
				defer wg.Done()
				recoverer.Run(workerCtx)
			}()

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				logger.Info("HTTP server starting", slog.String("addr", serverCfg.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for interrupt signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("Context cancelled, shutting down...")
			case sig := <-sigChan:
				logger.Info("Signal received, shutting down...", slog.Any("signal", sig))
			case err := <-serverErr:
				runErr = goerr.Wrap(err, "HTTP server failed")
			}

			// Graceful shutdown: stop accepting webhooks, then let workers finish
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverCfg.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server gracefully")
			}

			stopWorkers()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-shutdownCtx.Done():
				logger.Warn("workers did not stop in time, unacked tasks will be redelivered")
			}

			logger.Info("Server shutdown complete")
			return runErr
		},
	}
}

func closeWith(ctx context.Context, name string, fn func() error) {
	if err := fn(); err != nil {
		ctxlog.From(ctx).Warn("failed to close "+name, "error", err)
	}
}
