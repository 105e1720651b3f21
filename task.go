package ocrgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ocrgate/pkg/task"
)

const TaskType = "ocr"

// Upload 是边界层交给编排器的上传内容, Filename 只用于日志和下载文件名
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

// Result 持有输出文件的句柄. 临时目录在交付前已经删除, 文件内容只能通过这个句柄读取.
type Result struct {
	TaskID   string
	Filename string
	Size     int64
	ModTime  time.Time
	file     *os.File
}

// Reader 每次调用返回独立的读取器
func (r *Result) Reader() io.ReadSeeker {
	return io.NewSectionReader(r.file, 0, r.Size)
}

func (r *Result) close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

type Task struct {
	ID         string
	Filename   string
	Dir        string
	InputPath  string
	OutputPath string
	Size       int64
	CreatedAt  time.Time
	Deadline   time.Time

	ctx          context.Context
	cancel       context.CancelCauseFunc
	stopDeadline context.CancelFunc

	mu         sync.Mutex
	status     task.TaskStatus
	progress   Progress
	err        error
	result     *Result
	claimed    bool
	finishedAt time.Time
	graceTimer *time.Timer
	cleanupErr error

	cleanupOnce sync.Once
	releaseOnce sync.Once
}

func newTask(up Upload, now time.Time, timeout time.Duration) *Task {
	t := &Task{
		ID:        newTaskID(up.Data),
		Filename:  up.Filename,
		Size:      int64(len(up.Data)),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		status:    task.TaskStatusCreated,
		progress:  Progress{Stage: "created"},
	}
	base, cancel := context.WithCancelCause(context.Background())
	t.ctx, t.stopDeadline = context.WithDeadlineCause(base, t.Deadline, ErrDeadline)
	t.cancel = cancel
	return t
}

// newTaskID 内容指纹加随机后缀, 相同文件并发上传也不会冲突
func newTaskID(data []byte) string {
	sum := sha256.Sum256(data)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return hex.EncodeToString(sum[:8]) + "-" + suffix
}

func (t *Task) GetTaskID() string {
	return t.ID
}

func (t *Task) GetType() string {
	return TaskType
}

func (t *Task) GetStatus() task.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) SetStatus(status task.TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, t.status, status)
	}
	t.status = status
	if status.IsTerminal() {
		t.finishedAt = time.Now()
	}
	return nil
}

// Stop 在服务关闭时取消任务
func (t *Task) Stop() error {
	t.Cancel(ErrShutdown)
	return nil
}

func (t *Task) Cancel(cause error) {
	t.cancel(cause)
}

func (t *Task) Context() context.Context {
	return t.ctx
}

func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) GetResult() task.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := task.Record{
		TaskID:     t.ID,
		Type:       TaskType,
		Filename:   t.Filename,
		Status:     t.status,
		Message:    t.progress.Stage,
		Progress:   t.progress.Percent,
		Size:       t.Size,
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		r.Code = string(ErrorCodeOf(t.err))
		r.Error = t.err.Error()
	}
	return r
}

// advance 更新进度, 百分比只增不减
func (t *Task) advance(stage string, percent int) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent < t.progress.Percent {
		percent = t.progress.Percent
	}
	if percent > 100 {
		percent = 100
	}
	t.progress = Progress{Stage: stage, Percent: percent}
	return t.progress
}

// fail 记录失败原因, 进度强制为 100
func (t *Task) fail(err error) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	t.progress = Progress{Stage: "failed: " + err.Error(), Percent: 100}
	return t.progress
}

func (t *Task) setResult(r *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = r
}

// claimResult 结果只能交付一次. 领取后宽限定时器停止, 由调用方 Release.
func (t *Task) claimResult() (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.status.IsTerminal():
		return nil, ErrNotReady
	case t.err != nil:
		return nil, t.err
	case t.claimed || t.result == nil:
		return nil, ErrResultClaimed
	}
	t.claimed = true
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	return t.result, nil
}

// delivering 结果已被领取, 正在交付给调用方
func (t *Task) delivering() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimed
}

func downloadName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, base)
	base = strings.Trim(base, "._")
	if base == "" {
		base = "processed"
	}
	return base + "_ocr.pdf"
}
