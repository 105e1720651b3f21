package ocrgate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"ocrgate/pkg/config"
	"ocrgate/pkg/logger"
	"ocrgate/pkg/task"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n" + strings.Repeat("stream data ", 20) + "\n%%EOF\n")

func testLogger(t *testing.T) *logger.Logger {
	return logger.New(zaptest.NewLogger(t))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.UploadRoot = t.TempDir()
	cfg.MaxFileSize = 1 << 20
	cfg.MaxConcurrentTasks = 2
	cfg.TaskTimeout = 30
	cfg.KillGrace = 1
	cfg.ResultGrace = 60
	return cfg
}

func pdfUpload(name string) Upload {
	return Upload{Filename: name, ContentType: "application/pdf", Data: samplePDF}
}

// fakeRunner 代替真实的 OCR 引擎
type fakeRunner struct {
	fn    func(ctx context.Context, in, out string, onLine LineFunc) error
	calls atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, in, out string, args []string, onLine LineFunc) (int, error) {
	f.calls.Add(1)
	if err := f.fn(ctx, in, out, onLine); err != nil {
		return 1, err
	}
	return 0, nil
}

func copyRunner() *fakeRunner {
	return &fakeRunner{fn: func(ctx context.Context, in, out string, onLine LineFunc) error {
		onLine(StreamStderr, "page 1 of 1")
		return copyFile(in, out)
	}}
}

// blockingRunner 一直运行到 ctx 结束, 或者 release 关闭后正常输出
func blockingRunner(started chan<- struct{}, release <-chan struct{}) *fakeRunner {
	return &fakeRunner{fn: func(ctx context.Context, in, out string, onLine LineFunc) error {
		close(started)
		select {
		case <-ctx.Done():
			return newCancelled(ctx)
		case <-release:
			return copyFile(in, out)
		}
	}}
}

func copyFile(in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func newTestOrchestrator(t *testing.T, runner Runner, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithLogger(t, runner, mutate, testLogger(t))
}

func newTestOrchestratorWithLogger(t *testing.T, runner Runner, mutate func(*config.Config), log *logger.Logger) *Orchestrator {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	store, err := NewScratchStore(cfg.UploadRoot, log)
	if err != nil {
		t.Fatalf("NewScratchStore: %v", err)
	}
	ledger, err := task.NewTaskStore()
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	o := NewOrchestrator(OrchestratorOptions{
		Config: cfg,
		Store:  store,
		Engine: runner,
		Ledger: ledger,
		Logger: log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		ledger.Close()
	})
	return o
}

// collectEvents 读取订阅直到通道关闭
func collectEvents(t *testing.T, sub *Subscription, timeout time.Duration) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timer.C:
			t.Fatalf("timed out waiting for progress, got %+v", events)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for engine to start")
	}
}

func dirEntries(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// writeScript 写一个 sh 脚本当作假的 OCR 引擎
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ocr.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
