package ocrgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ocrgate/pkg/task"
)

type ErrorCode string

const (
	CodeSuccess            ErrorCode = "SUCCESS"
	CodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	CodeFileTooLarge       ErrorCode = "FILE_TOO_LARGE"
	CodeBusy               ErrorCode = "TOO_MANY_TASKS"
	CodeStorageFailed      ErrorCode = "STORAGE_FAILED"
	CodeEngineLaunchFailed ErrorCode = "ENGINE_LAUNCH_FAILED"
	CodeEngineFailed       ErrorCode = "ENGINE_FAILED"
	CodeInvalidOutput      ErrorCode = "INVALID_OUTPUT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeNotReady           ErrorCode = "NOT_READY"
	CodeGone               ErrorCode = "GONE"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// nginx 的约定, 客户端主动断开
const StatusClientClosedRequest = 499

var (
	ErrBusy          = errors.New("too many concurrent tasks")
	ErrTaskNotFound  = task.ErrTaskNotFound
	ErrNotReady      = errors.New("task has not finished")
	ErrResultClaimed = errors.New("result already delivered")
	ErrInvalidOutput = errors.New("invalid output")
	ErrInvalidTaskID = errors.New("invalid task id")

	ErrCancelled = errors.New("cancelled")

	// 取消原因
	ErrDeadline        = errors.New("task deadline exceeded")
	ErrClientGone      = errors.New("client disconnected")
	ErrCancelRequested = errors.New("cancel requested")
	ErrShutdown        = errors.New("server shutting down")
)

// ValidationError 上传内容不合法, 在创建临时目录之前就会返回
type ValidationError struct {
	Reason   string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// StorageError 临时目录或文件读写失败
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EngineLaunchError OCR 引擎无法启动, 一般是配置问题
type EngineLaunchError struct {
	Binary string
	Err    error
}

func (e *EngineLaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *EngineLaunchError) Unwrap() error { return e.Err }

// EngineExitError OCR 引擎非零退出, StderrTail 是 stderr 的最后几行
type EngineExitError struct {
	Code       int
	StderrTail string
}

func (e *EngineExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("engine exited with code %d", e.Code)
	}
	return fmt.Sprintf("engine exited with code %d: %s", e.Code, e.StderrTail)
}

type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%v: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.Cause }

func newCancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return &CancelledError{Cause: cause}
}

// RecordedError 已销毁任务的失败结果, 从结果台账恢复
type RecordedError struct {
	Code    ErrorCode
	Message string
}

func (e *RecordedError) Error() string {
	return e.Message
}

func (e *RecordedError) Is(target error) bool {
	return target == ErrCancelled && (e.Code == CodeCancelled || e.Code == CodeTimeout)
}

var codeStatus = map[ErrorCode]int{
	CodeSuccess:            http.StatusOK,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeFileTooLarge:       http.StatusRequestEntityTooLarge,
	CodeBusy:               http.StatusServiceUnavailable,
	CodeNotFound:           http.StatusNotFound,
	CodeNotReady:           http.StatusConflict,
	CodeGone:               http.StatusGone,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeCancelled:          StatusClientClosedRequest,
	CodeStorageFailed:      http.StatusInternalServerError,
	CodeEngineLaunchFailed: http.StatusInternalServerError,
	CodeEngineFailed:       http.StatusInternalServerError,
	CodeInvalidOutput:      http.StatusInternalServerError,
}

// HTTPStatus 把错误映射为 HTTP 状态码
func HTTPStatus(err error) int {
	var (
		recorded   *RecordedError
		validation *ValidationError
		storage    *StorageError
		launch     *EngineLaunchError
		exit       *EngineExitError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &recorded):
		if status, ok := codeStatus[recorded.Code]; ok {
			return status
		}
		return http.StatusInternalServerError
	case errors.As(err, &validation):
		if validation.TooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTaskID):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrResultClaimed):
		return http.StatusGone
	case errors.Is(err, ErrCancelled):
		if errors.Is(err, ErrDeadline) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return StatusClientClosedRequest
	case errors.As(err, &storage), errors.As(err, &launch), errors.As(err, &exit), errors.Is(err, ErrInvalidOutput):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func ErrorCodeOf(err error) ErrorCode {
	var (
		recorded   *RecordedError
		validation *ValidationError
		storage    *StorageError
		launch     *EngineLaunchError
		exit       *EngineExitError
	)
	switch {
	case err == nil:
		return CodeSuccess
	case errors.As(err, &recorded):
		if recorded.Code == "" {
			return CodeInternal
		}
		return recorded.Code
	case errors.As(err, &validation):
		if validation.TooLarge {
			return CodeFileTooLarge
		}
		return CodeValidationFailed
	case errors.Is(err, ErrInvalidTaskID):
		return CodeValidationFailed
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrTaskNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, ErrResultClaimed):
		return CodeGone
	case errors.Is(err, ErrCancelled):
		if HTTPStatus(err) == http.StatusGatewayTimeout {
			return CodeTimeout
		}
		return CodeCancelled
	case errors.As(err, &storage):
		return CodeStorageFailed
	case errors.As(err, &launch):
		return CodeEngineLaunchFailed
	case errors.As(err, &exit):
		return CodeEngineFailed
	case errors.Is(err, ErrInvalidOutput):
		return CodeInvalidOutput
	}
	return CodeInternal
}
