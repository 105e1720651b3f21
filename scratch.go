package ocrgate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"ocrgate/pkg/logger"
)

const (
	maxTaskIDLen   = 64
	inputFileName  = "input.pdf"
	outputFileName = "output.pdf"
	partSuffix     = ".part"
)

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxTaskIDLen) + `}$`)

// ValidateTaskID 只允许字母数字和 . _ -, 不允许 "..", 避免路径穿越
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("task id too long: %w", ErrInvalidTaskID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("task id contains '..': %w", ErrInvalidTaskID)
	}
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("task id contains invalid characters: %w", ErrInvalidTaskID)
	}
	return nil
}

// ScratchStore 管理每个任务独占的临时目录, 所有写操作都限制在 root 下
type ScratchStore struct {
	root   string
	logger *logger.Logger
}

func NewScratchStore(root string, log *logger.Logger) (*ScratchStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &StorageError{Op: "resolve", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: abs, Err: err}
	}

	// 确认目录可写
	probe, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return nil, &StorageError{Op: "probe", Path: abs, Err: err}
	}
	probe.Close()
	os.Remove(probe.Name())

	return &ScratchStore{root: abs, logger: log}, nil
}

func (s *ScratchStore) Root() string {
	return s.root
}

// CreateTaskDir 为任务创建独立目录, 目录名只来自任务 ID
func (s *ScratchStore) CreateTaskDir(id string) (string, error) {
	if err := ValidateTaskID(id); err != nil {
		return "", &StorageError{Op: "create", Path: id, Err: err}
	}
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", &StorageError{Op: "create", Path: dir, Err: err}
	}
	return dir, nil
}

func (s *ScratchStore) InputPath(dir string) string {
	return filepath.Join(dir, inputFileName)
}

func (s *ScratchStore) OutputPath(dir string) string {
	return filepath.Join(dir, outputFileName)
}

// WriteInput 写入上传内容并刷盘, 校验落盘大小后再改名为最终文件名
func (s *ScratchStore) WriteInput(path string, data []byte) (int64, error) {
	if err := s.checkTaskPath(filepath.Dir(path)); err != nil {
		return 0, &StorageError{Op: "write", Path: path, Err: err}
	}
	if len(data) == 0 {
		return 0, &StorageError{Op: "write", Path: path, Err: errors.New("zero-length input")}
	}

	part := path + partSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, &StorageError{Op: "write", Path: part, Err: err}
	}

	fail := func(err error) (int64, error) {
		f.Close()
		os.Remove(part)
		return 0, &StorageError{Op: "write", Path: path, Err: err}
	}

	n, err := f.Write(data)
	if err != nil {
		return fail(err)
	}
	if n != len(data) {
		return fail(fmt.Errorf("short write: %d of %d bytes", n, len(data)))
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return 0, &StorageError{Op: "close", Path: part, Err: err}
	}

	info, err := os.Stat(part)
	if err != nil {
		os.Remove(part)
		return 0, &StorageError{Op: "stat", Path: part, Err: err}
	}
	if info.Size() != int64(len(data)) || info.Size() == 0 {
		os.Remove(part)
		return 0, &StorageError{Op: "verify", Path: part, Err: fmt.Errorf("size on disk %d, expected %d", info.Size(), len(data))}
	}

	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, &StorageError{Op: "rename", Path: path, Err: err}
	}
	return info.Size(), nil
}

// Cleanup 递归删除任务目录, 可以重复调用, 目录不存在不算错误
func (s *ScratchStore) Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	if err := s.checkTaskPath(dir); err != nil {
		return &StorageError{Op: "cleanup", Path: dir, Err: err}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &StorageError{Op: "cleanup", Path: dir, Err: err}
	}
	return nil
}

// Sweep 删除上次进程遗留的任务目录, 启动时调用
func (s *ScratchStore) Sweep() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, &StorageError{Op: "sweep", Path: s.root, Err: err}
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || ValidateTaskID(e.Name()) != nil {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warnw("remove stale task dir failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// checkTaskPath 确认 dir 是 root 下的直接子目录
func (s *ScratchStore) checkTaskPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return err
	}
	if rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("path %s escapes upload root %s", dir, s.root)
	}
	return ValidateTaskID(rel)
}
