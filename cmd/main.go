package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocrgate"
	v1 "ocrgate/controller/v1"
	"ocrgate/pkg/app"
	"ocrgate/pkg/config"
	"ocrgate/pkg/logger"
	"ocrgate/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// 日志还没初始化
		os.Stderr.WriteString("加载配置失败: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.LogConfig)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, ocrgate.Version)
	if err != nil {
		log.Fatalf("初始化 telemetry 失败: %s", err)
	}

	a, err := app.NewApp(cfg, log)
	if err != nil {
		log.Fatalf("初始化失败: %s", err)
	}

	v1.NewOCRController(a.Router)
	v1.NewTaskController(a.Router)
	v1.NewProgressController(a.Router)
	v1.NewHealthController(a.Router)

	a.Router.PrintRegisteredHandlers()

	go a.Orchestrator.RunJanitor(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.StdLogger(),
	}

	ips, err := ocrgate.GetLocalIPs()
	if err != nil {
		log.Debugw("get local ips failed", "error", err)
	}
	log.Infow("ocr server starting",
		"version", ocrgate.Version,
		"addr", cfg.ListenAddr,
		"ips", ips,
		"uploadRoot", a.Store.Root(),
		"engine", cfg.EngineBinary,
		"engineArgs", cfg.EngineArgs,
		"maxConcurrentTasks", cfg.MaxConcurrentTasks,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先取消任务, 否则同步请求会一直挂到任务结束
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warnw("stop tasks failed", "error", err)
	}
	// 等正在下载的结果传完
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown failed", "error", err)
	}
	if err := a.Close(); err != nil {
		log.Warnw("close task store failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warnw("telemetry shutdown failed", "error", err)
	}
	log.Infow("ocr server stopped")
}
