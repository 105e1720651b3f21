package app

import (
	"context"
	"fmt"

	"ocrgate"
	"ocrgate/pkg/config"
	"ocrgate/pkg/logger"
	"ocrgate/pkg/task"
)

type App struct {
	Logger       *logger.Logger
	Config       *config.Config
	Store        *ocrgate.ScratchStore
	Engine       *ocrgate.Engine
	Hub          *ocrgate.ProgressHub
	TaskManager  *task.TaskManager
	TaskStore    *task.TaskStore
	Orchestrator *ocrgate.Orchestrator
	Router       *ocrgate.Router
}

// NewApp 按配置组装各个组件, 启动时顺带清理上次遗留的任务目录
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: log,
	}

	store, err := ocrgate.NewScratchStore(cfg.UploadRoot, log)
	if err != nil {
		return nil, fmt.Errorf("初始化临时目录失败: %w", err)
	}
	if n, err := store.Sweep(); err != nil {
		log.Warnw("sweep stale task dirs failed", "error", err)
	} else if n > 0 {
		log.Infow("removed stale task dirs", "count", n, "root", store.Root())
	}
	app.Store = store

	app.TaskStore, err = task.NewTaskStore()
	if err != nil {
		return nil, fmt.Errorf("初始化任务存储失败: %w", err)
	}

	app.Engine = ocrgate.NewEngine(cfg.EngineBinary, cfg.KillGraceDuration(), log.With("component", "engine"))
	app.Hub = ocrgate.NewProgressHub(cfg.ProgressBuffer, log.With("component", "progress"))
	app.TaskManager = task.NewTaskManager()
	app.Orchestrator = ocrgate.NewOrchestrator(ocrgate.OrchestratorOptions{
		Config: cfg,
		Store:  app.Store,
		Engine: app.Engine,
		Hub:    app.Hub,
		Tasks:  app.TaskManager,
		Ledger: app.TaskStore,
		Logger: log,
	})
	app.Router = ocrgate.NewRouter(app.Orchestrator, log.With("component", "http"))
	return app, nil
}

// Shutdown 取消所有任务, 正在下载的结果留给 http 请求自己释放
func (app *App) Shutdown(ctx context.Context) error {
	return app.Orchestrator.Shutdown(ctx)
}

// Close 关闭结果台账, 须在 http 服务停止之后调用
func (app *App) Close() error {
	return app.TaskStore.Close()
}
