package ocrgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ocrgate/pkg/config"
	"ocrgate/pkg/logger"
	"ocrgate/pkg/task"
	"ocrgate/pkg/telemetry"
)

// PDF 规范允许文件头出现在前 1024 字节内
const pdfHeaderWindow = 1024

var pdfMagic = []byte("%PDF-")

type OrchestratorOptions struct {
	Config *config.Config
	Store  *ScratchStore
	Engine Runner
	Hub    *ProgressHub
	Tasks  *task.TaskManager
	Ledger *task.TaskStore // 可选, 保存已结束任务的结果
	Logger *logger.Logger
}

// Orchestrator 驱动每个任务: 校验, 落盘, 调用引擎, 校验输出, 清理.
// 每个任务的清理只执行一次, 无论成功, 失败还是取消.
type Orchestrator struct {
	cfg    *config.Config
	store  *ScratchStore
	engine Runner
	hub    *ProgressHub
	tasks  *task.TaskManager
	ledger *task.TaskStore
	logger *logger.Logger
	tracer trace.Tracer

	slots   chan struct{}
	running sync.WaitGroup
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		cfg:    opts.Config,
		store:  opts.Store,
		engine: opts.Engine,
		hub:    opts.Hub,
		tasks:  opts.Tasks,
		ledger: opts.Ledger,
		logger: opts.Logger,
		tracer: otel.Tracer(telemetry.TracerName),
	}
	if o.logger == nil {
		o.logger = logger.NewNop()
	}
	if o.hub == nil {
		o.hub = NewProgressHub(o.cfg.ProgressBuffer, o.logger)
	}
	if o.tasks == nil {
		o.tasks = task.NewTaskManager()
	}
	o.slots = make(chan struct{}, o.cfg.MaxConcurrentTasks)
	return o
}

func (o *Orchestrator) Hub() *ProgressHub {
	return o.hub
}

func (o *Orchestrator) Config() *config.Config {
	return o.cfg
}

// ActiveTasks 当前还没销毁的任务数
func (o *Orchestrator) ActiveTasks() int {
	return o.tasks.Len()
}

// Submit 校验上传内容, 占用并发名额并把文件写入任务目录.
// 校验失败时不会创建任何目录; 并发已满时立即返回 ErrBusy.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (*Task, error) {
	if err := o.validate(up); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newCancelled(ctx)
	}

	select {
	case o.slots <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	t := newTask(up, time.Now(), o.cfg.TaskTimeoutDuration())
	log := o.logger.With("taskId", t.ID)
	if err := o.hub.Open(t.ID); err != nil {
		<-o.slots
		return nil, err
	}
	if err := o.tasks.AddTask(t); err != nil {
		o.hub.Remove(t.ID)
		<-o.slots
		return nil, err
	}
	log.Infow("task created", "filename", up.Filename, "size", len(up.Data), "deadline", t.Deadline)

	if err := o.stage(t, up.Data); err != nil {
		o.finishFailed(t, err, trace.SpanFromContext(ctx))
		o.Release(t)
		return nil, err
	}
	o.emit(t, trace.SpanFromContext(ctx), "staged", 0)
	return t, nil
}

func (o *Orchestrator) stage(t *Task, data []byte) error {
	dir, err := o.store.CreateTaskDir(t.ID)
	if err != nil {
		return err
	}
	t.Dir = dir
	t.InputPath = o.store.InputPath(dir)
	t.OutputPath = o.store.OutputPath(dir)

	size, err := o.store.WriteInput(t.InputPath, data)
	if err != nil {
		return err
	}
	t.Size = size
	return t.SetStatus(task.TaskStatusStaged)
}

// Run 执行一个已落盘的任务直到结束. ctx 结束(例如客户端断开)会取消任务.
func (o *Orchestrator) Run(ctx context.Context, t *Task) (*Result, error) {
	o.running.Add(1)
	defer o.running.Done()
	return o.execute(ctx, t)
}

// Process 同步处理: Submit + Run. 返回的 Task 不为 nil 时调用方负责 Release.
func (o *Orchestrator) Process(ctx context.Context, up Upload) (*Task, *Result, error) {
	t, err := o.Submit(ctx, up)
	if err != nil {
		return nil, nil, err
	}
	if _, err := o.Run(ctx, t); err != nil {
		return t, nil, err
	}
	res, err := t.claimResult()
	return t, res, err
}

// Start 异步处理, 任务在后台运行, 结果通过 Result 领取
func (o *Orchestrator) Start(up Upload) (*Task, error) {
	t, err := o.Submit(context.Background(), up)
	if err != nil {
		return nil, err
	}
	o.running.Add(1)
	go func() {
		defer o.running.Done()
		_, _ = o.execute(context.Background(), t)
	}()
	return t, nil
}

func (o *Orchestrator) execute(ctx context.Context, t *Task) (*Result, error) {
	if status := t.GetStatus(); status != task.TaskStatusStaged {
		return nil, fmt.Errorf("%w: cannot run task in state %s", task.ErrInvalidTransition, status)
	}

	stop := context.AfterFunc(ctx, func() { t.Cancel(ErrClientGone) })
	defer stop()

	runCtx, span := o.tracer.Start(t.Context(), "ocr.task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int64("task.size", t.Size),
	))
	defer span.End()

	res, err := o.run(runCtx, t, span)
	if err != nil {
		o.finishFailed(t, err, span)
		return nil, err
	}
	if err := o.finishSucceeded(t, res, span); err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, t *Task, span trace.Span) (*Result, error) {
	log := o.logger.With("taskId", t.ID)

	if ctx.Err() != nil {
		return nil, newCancelled(ctx)
	}
	o.emit(t, span, "validating input", 10)
	info, err := os.Stat(t.InputPath)
	if err != nil {
		return nil, &StorageError{Op: "stat", Path: t.InputPath, Err: err}
	}
	if info.Size() == 0 || info.Size() != t.Size {
		return nil, &StorageError{Op: "verify", Path: t.InputPath, Err: fmt.Errorf("input size %d, expected %d", info.Size(), t.Size)}
	}

	o.emit(t, span, "recognizing text", 30)
	if ctx.Err() != nil {
		return nil, newCancelled(ctx)
	}
	if err := t.SetStatus(task.TaskStatusRunning); err != nil {
		return nil, err
	}
	span.AddEvent("task.running")

	startTime := time.Now()
	_, err = o.engine.Run(ctx, t.InputPath, t.OutputPath, o.cfg.EngineArgs, func(stream, line string) {
		log.Debugw(line, "stream", stream)
	})
	if err != nil {
		return nil, err
	}
	log.Infow("engine completed", "elapsed", time.Since(startTime))

	o.emit(t, span, "finalizing", 90)
	res, err := o.collect(t)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		res.close()
		return nil, newCancelled(ctx)
	}
	return res, nil
}

// collect 校验输出文件并打开句柄. 只有退出码为 0 不算成功, 文件必须存在且非空.
func (o *Orchestrator) collect(t *Task) (*Result, error) {
	f, err := os.Open(t.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: engine did not create an output file", ErrInvalidOutput)
		}
		return nil, &StorageError{Op: "open", Path: t.OutputPath, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "stat", Path: t.OutputPath, Err: err}
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: output file is empty", ErrInvalidOutput)
	}
	return &Result{
		TaskID:   t.ID,
		Filename: downloadName(t.Filename),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		file:     f,
	}, nil
}

func (o *Orchestrator) finishSucceeded(t *Task, res *Result, span trace.Span) error {
	t.setResult(res)
	// 输出文件句柄已打开, 删除目录后仍可读取
	o.cleanup(t)
	if err := t.SetStatus(task.TaskStatusSucceeded); err != nil {
		res.close()
		return err
	}
	p := t.advance("complete", 100)
	o.record(t)

	span.AddEvent("task.succeeded")
	span.SetStatus(codes.Ok, "")
	o.hub.Finish(t.ID, ProgressEvent{Status: EventStatusCompleted, Message: p.Stage, Progress: p.Percent})
	o.scheduleRelease(t)

	o.logger.Infow("task succeeded", "taskId", t.ID, "outputSize", res.Size, "elapsed", time.Since(t.CreatedAt))
	return nil
}

func (o *Orchestrator) finishFailed(t *Task, err error, span trace.Span) {
	o.cleanup(t)
	if serr := t.SetStatus(task.TaskStatusFailed); serr != nil {
		// 已经是终态
		return
	}
	p := t.fail(err)
	o.record(t)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("task.failed")
	o.hub.Finish(t.ID, ProgressEvent{Status: EventStatusFailed, Message: p.Stage, Progress: p.Percent})
	o.scheduleRelease(t)

	log := o.logger.With("taskId", t.ID, "code", ErrorCodeOf(err))
	var launch *EngineLaunchError
	switch {
	case errors.As(err, &launch):
		log.Errorw("ocr engine could not be started", "error", err)
	case errors.Is(err, ErrCancelled):
		log.Infow("task cancelled", "error", err)
	default:
		log.Warnw("task failed", "error", err)
	}
}

func (o *Orchestrator) emit(t *Task, span trace.Span, stage string, percent int) {
	p := t.advance(stage, percent)
	span.AddEvent("progress", trace.WithAttributes(
		attribute.String("stage", p.Stage),
		attribute.Int("percent", p.Percent),
	))
	o.hub.Emit(t.ID, ProgressEvent{Status: EventStatusProcessing, Message: p.Stage, Progress: p.Percent})
}

func (o *Orchestrator) cleanup(t *Task) {
	t.cleanupOnce.Do(func() {
		if err := o.store.Cleanup(t.Dir); err != nil {
			t.mu.Lock()
			t.cleanupErr = err
			t.mu.Unlock()
			o.logger.Warnw("cleanup task dir failed", "taskId", t.ID, "dir", t.Dir, "error", err)
			return
		}
		o.logger.Debugw("task dir removed", "taskId", t.ID, "dir", t.Dir)
	})
}

func (o *Orchestrator) record(t *Task) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.AddTask(t); err != nil {
		o.logger.Warnw("record task outcome failed", "taskId", t.ID, "error", err)
	}
}

// scheduleRelease 结果无人领取时, 宽限期后自动销毁任务
func (o *Orchestrator) scheduleRelease(t *Task) {
	timer := time.AfterFunc(o.cfg.ResultGraceDuration(), func() {
		o.logger.Infow("result grace period expired", "taskId", t.ID)
		o.Release(t)
	})
	t.mu.Lock()
	t.graceTimer = timer
	t.mu.Unlock()
}

// Release 销毁任务: 关闭结果句柄, 确认目录已删除, 关闭进度通道, 归还并发名额. 只执行一次.
func (o *Orchestrator) Release(t *Task) {
	if t == nil {
		return
	}
	if !t.GetStatus().IsTerminal() {
		t.Cancel(ErrShutdown)
		o.finishFailed(t, newCancelled(t.Context()), trace.SpanFromContext(context.Background()))
	}
	t.releaseOnce.Do(func() {
		t.mu.Lock()
		timer, res, cleanupErr := t.graceTimer, t.result, t.cleanupErr
		t.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if err := res.close(); err != nil {
			o.logger.Warnw("close result failed", "taskId", t.ID, "error", err)
		}
		if cleanupErr != nil {
			// 部分平台上打开的文件无法删除, 句柄关闭后再试一次
			if err := o.store.Cleanup(t.Dir); err != nil {
				o.logger.Errorw("task dir leaked", "taskId", t.ID, "dir", t.Dir, "error", err)
			}
		}
		t.stopDeadline()
		t.Cancel(nil)

		o.hub.Remove(t.ID)
		_ = o.tasks.RemoveTask(t.ID)
		<-o.slots
		o.logger.Debugw("task released", "taskId", t.ID)
	})
}

// Cancel 取消一个未结束的任务
func (o *Orchestrator) Cancel(taskID string) (task.TaskStatus, error) {
	tt, err := o.tasks.GetTask(taskID)
	if err != nil {
		return 0, err
	}
	status := tt.GetStatus()
	if status.IsTerminal() {
		return status, nil
	}
	if t, ok := tt.(*Task); ok {
		t.Cancel(ErrCancelRequested)
	}
	o.logger.Infow("task cancel requested", "taskId", taskID, "status", status)
	return status, nil
}

// Status 返回任务快照, 任务已销毁时从结果台账里查
func (o *Orchestrator) Status(taskID string) (task.Record, error) {
	if t, err := o.tasks.GetTask(taskID); err == nil {
		return t.GetResult(), nil
	}
	if o.ledger == nil {
		return task.Record{}, ErrTaskNotFound
	}
	return o.ledger.GetRecord(taskID)
}

// Result 领取异步任务的结果, 只能领取一次. 领取失败结果也算交付, 任务随即销毁.
func (o *Orchestrator) Result(taskID string) (*Task, *Result, error) {
	tt, err := o.tasks.GetTask(taskID)
	if err != nil {
		if o.ledger != nil {
			if r, lerr := o.ledger.GetRecord(taskID); lerr == nil {
				if r.Status == task.TaskStatusFailed {
					return nil, nil, &RecordedError{Code: ErrorCode(r.Code), Message: r.Error}
				}
				return nil, nil, ErrResultClaimed
			}
		}
		return nil, nil, ErrTaskNotFound
	}
	t, ok := tt.(*Task)
	if !ok {
		return nil, nil, ErrTaskNotFound
	}
	res, err := t.claimResult()
	if err != nil {
		if !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrResultClaimed) {
			o.Release(t)
		}
		return t, nil, err
	}
	return t, res, nil
}

// Shutdown 取消所有任务, 等待引擎退出后销毁剩余任务.
// 正在下载的结果不动, 由持有它的调用方 Release.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, t := range o.tasks.GetAllTasks() {
		if !t.GetStatus().IsTerminal() {
			_ = t.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, tt := range o.tasks.GetAllTasks() {
		t, ok := tt.(*Task)
		if !ok || t.delivering() {
			continue
		}
		o.Release(t)
	}
	return nil
}

// RunJanitor 定期清理过期的结果记录, 直到 ctx 结束
func (o *Orchestrator) RunJanitor(ctx context.Context) {
	if o.ledger == nil {
		return
	}
	retention := o.cfg.LedgerRetentionDuration()
	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := o.ledger.Purge(now.Add(-retention))
			if err != nil {
				o.logger.Warnw("purge task records failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Debugw("task records purged", "count", n)
			}
		}
	}
}

func (o *Orchestrator) validate(up Upload) error {
	name := strings.TrimSpace(up.Filename)
	switch {
	case name == "":
		return &ValidationError{Reason: "no selected file"}
	case int64(len(up.Data)) > o.cfg.MaxFileSize:
		return &ValidationError{Reason: fmt.Sprintf("file exceeds %d bytes", o.cfg.MaxFileSize), TooLarge: true}
	case len(up.Data) == 0:
		return &ValidationError{Reason: "empty file"}
	case !strings.EqualFold(path.Ext(strings.ReplaceAll(name, "\\", "/")), ".pdf"):
		return &ValidationError{Reason: "only PDF files are accepted"}
	}

	mediaType, _, err := mime.ParseMediaType(up.ContentType)
	if err != nil || !o.allowedType(mediaType) {
		return &ValidationError{Reason: fmt.Sprintf("unsupported content type %q", up.ContentType)}
	}

	header := up.Data
	if len(header) > pdfHeaderWindow {
		header = header[:pdfHeaderWindow]
	}
	if !bytes.Contains(header, pdfMagic) {
		return &ValidationError{Reason: "file is not a PDF document"}
	}
	return nil
}

func (o *Orchestrator) allowedType(mediaType string) bool {
	for _, allowed := range o.cfg.AllowedContentTypes {
		if strings.EqualFold(allowed, mediaType) {
			return true
		}
	}
	return false
}
