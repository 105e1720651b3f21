package ocrgate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ocrgate/pkg/logger"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	defaultTailLines = 20
)

// LineFunc 接收引擎输出的每一行
type LineFunc func(stream, line string)

// Runner 抽象 OCR 引擎的调用, 测试里可以注入假的实现
type Runner interface {
	Run(ctx context.Context, inputPath, outputPath string, args []string, onLine LineFunc) (int, error)
}

// Engine 以子进程方式调用外部 OCR 引擎: <Binary> <args...> <input> <output>
type Engine struct {
	Binary      string
	GraceWindow time.Duration // SIGTERM 之后等待多久再强制 kill
	TailLines   int
	Logger      *logger.Logger
}

func NewEngine(binary string, grace time.Duration, log *logger.Logger) *Engine {
	return &Engine{
		Binary:      binary,
		GraceWindow: grace,
		TailLines:   defaultTailLines,
		Logger:      log,
	}
}

func (e *Engine) Run(ctx context.Context, inputPath, outputPath string, args []string, onLine LineFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, newCancelled(ctx)
	}

	argv := make([]string, 0, len(args)+2)
	argv = append(argv, args...)
	argv = append(argv, inputPath, outputPath)

	cmd := exec.CommandContext(ctx, e.Binary, argv...)
	prepareCommand(cmd)
	cmd.WaitDelay = e.GraceWindow

	stdoutPipeReader, stdoutPipeWriter := io.Pipe()
	stderrPipeReader, stderrPipeWriter := io.Pipe()
	cmd.Stdout = stdoutPipeWriter
	cmd.Stderr = stderrPipeWriter

	tail := newLineTail(e.TailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go e.readLines(&wg, stdoutPipeReader, StreamStdout, onLine, nil)
	go e.readLines(&wg, stderrPipeReader, StreamStderr, onLine, tail)

	closePipes := func() {
		stdoutPipeWriter.Close()
		stderrPipeWriter.Close()
		wg.Wait()
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		closePipes()
		if ctx.Err() != nil {
			return -1, newCancelled(ctx)
		}
		return -1, &EngineLaunchError{Binary: e.Binary, Err: err}
	}
	e.Logger.Debugw("engine started", "pid", cmd.Process.Pid, "args", cmd.Args)

	err := cmd.Wait()
	closePipes()
	elapsed := time.Since(startTime)

	if ctx.Err() != nil {
		// 进程组里可能还有残留的子进程
		killGroup(cmd)
		e.Logger.Infow("engine cancelled", "elapsed", elapsed, "cause", context.Cause(ctx))
		return -1, newCancelled(ctx)
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code := exitErr.ExitCode()
			e.Logger.Infow("engine failed", "exitCode", code, "elapsed", elapsed)
			return code, &EngineExitError{Code: code, StderrTail: tail.String()}
		case errors.Is(err, exec.ErrWaitDelay):
			// 引擎正常退出, 但孙进程还占着输出管道
			e.Logger.Warnw("engine exited but output pipes stayed open", "elapsed", elapsed)
		default:
			return -1, &EngineExitError{Code: -1, StderrTail: err.Error()}
		}
	}

	e.Logger.Debugw("engine finished", "exitCode", 0, "elapsed", elapsed)
	return 0, nil
}

func (e *Engine) readLines(wg *sync.WaitGroup, r *io.PipeReader, stream string, onLine LineFunc, tail *lineTail) {
	defer wg.Done()
	defer r.Close()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			if tail != nil {
				tail.add(line)
			}
			if onLine != nil {
				onLine(stream, line)
			}
		}
		if err != nil {
			return
		}
	}
}

// lineTail 只保留最后 n 行, 避免 stderr 过长占用内存
type lineTail struct {
	lines []string
	next  int
	full  bool
}

func newLineTail(n int) *lineTail {
	if n <= 0 {
		n = defaultTailLines
	}
	return &lineTail{lines: make([]string, n)}
}

func (t *lineTail) add(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *lineTail) String() string {
	var out []string
	if t.full {
		out = append(out, t.lines[t.next:]...)
	}
	out = append(out, t.lines[:t.next]...)
	return strings.Join(out, "\n")
}
