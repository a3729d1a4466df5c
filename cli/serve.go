package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallnest/clawrun/bus"
	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/cron"
	"github.com/smallnest/clawrun/gateway"
	"github.com/smallnest/clawrun/history"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/journal"
	"github.com/smallnest/clawrun/process"
	"github.com/smallnest/clawrun/providers"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and its HTTP gateway",
	RunE:  runServe,
}

// runServe 启动调度器与网关
func runServe(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// 验证配置
	if err := config.Validate(cfg); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return err
	}

	logger.Info("Starting clawrun",
		zap.String("provider", cfg.Executor.Provider),
		zap.String("addr", config.GetGatewayAddr(cfg)))

	// 创建生命周期总线
	messageBus := bus.NewMessageBus(cfg.Scheduler.BusBuffer)
	defer func() { _ = messageBus.Close() }()

	// 会话历史
	histOpts := []history.Option{history.WithMaxMessages(cfg.History.MaxMessages)}
	if cfg.History.Strict {
		histOpts = append(histOpts, history.Strict())
	}
	histStore := history.NewStore(histOpts...)

	// 运行日志
	var regOpts []runs.Option
	var gwOpts []gateway.ServerOption
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Error("Failed to open journal", zap.Error(err))
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("Failed to close journal", zap.Error(err))
			}
		}()
		regOpts = append(regOpts, runs.WithJournal(j))
		gwOpts = append(gwOpts, gateway.WithRunHistory(j))
	}

	// 执行器
	procs := process.NewRegistry()
	executor, err := providers.New(cfg.Executor, procs)
	if err != nil {
		logger.Error("Failed to create executor", zap.Error(err))
		return err
	}

	sched := scheduler.New(executor,
		scheduler.WithRegistry(runs.NewRegistry(regOpts...)),
		scheduler.WithProcessRegistry(procs),
		scheduler.WithHistory(histStore),
		scheduler.WithNotifier(messageBus))
	defer func() { _ = sched.Close() }()

	// 定时任务
	var cronService *cron.Service
	if cfg.Cron.Enabled {
		cronService = cron.NewService(sched, cron.WithTick(cfg.Cron.Tick))
		for _, job := range cron.JobsFromConfig(cfg.Cron.Jobs) {
			if err := cronService.AddJob(job); err != nil {
				logger.Error("Failed to add cron job", zap.String("name", job.Name), zap.Error(err))
				return err
			}
		}
		gwOpts = append(gwOpts, gateway.WithCron(cronService))
	}

	gwOpts = append(gwOpts,
		gateway.WithBus(messageBus),
		gateway.WithDefaultSource(cfg.Scheduler.DefaultSource))
	server := gateway.NewServer(cfg.Gateway, sched, gwOpts...)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if cronService != nil {
		if err := cronService.Start(gctx); err != nil {
			return err
		}
		defer func() { _ = cronService.Stop() }()
	}
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		// Cancel in-flight runs before the HTTP server drains their streams.
		return sched.Close()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("clawrun exited with error", zap.Error(err))
		return err
	}

	logger.Info("clawrun stopped")
	return nil
}
