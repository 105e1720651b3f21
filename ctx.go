package ocrgate

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"

	"ocrgate/pkg/config"
	"ocrgate/pkg/logger"
)

// Context 是一次 HTTP 请求的处理上下文
type Context struct {
	Writer  http.ResponseWriter
	Request *http.Request
	Ctx     context.Context
	Logger  *logger.Logger
	TraceID string
	Pattern string

	orchestrator *Orchestrator
	written      bool
}

func (ctx *Context) Orchestrator() *Orchestrator {
	return ctx.orchestrator
}

func (ctx *Context) Config() *config.Config {
	return ctx.orchestrator.Config()
}

// TaskID 读取并校验路径里的 {task_id}
func (ctx *Context) TaskID() (string, error) {
	id := ctx.Request.PathValue("task_id")
	if err := ValidateTaskID(id); err != nil {
		return "", err
	}
	return id, nil
}

// Written 响应已经写出(或连接已被接管)
func (ctx *Context) Written() bool {
	return ctx.written
}

// Hijacked 连接升级为 websocket 之后调用, 之后不能再写 HTTP 响应
func (ctx *Context) Hijacked() {
	ctx.written = true
}

func (ctx *Context) JSONSuccess(data interface{}) {
	ctx.JSON(http.StatusOK, CodeSuccess, "ok", data)
}

func (ctx *Context) JSONError(err error) {
	ctx.JSON(HTTPStatus(err), ErrorCodeOf(err), err.Error(), nil)
}

func (ctx *Context) JSON(status int, code ErrorCode, msg string, data interface{}) {
	resp := Response{Code: code, Msg: msg}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			ctx.Logger.Errorw("marshal response failed", "error", err)
			status, resp.Code, resp.Msg = http.StatusInternalServerError, CodeInternal, "marshal response failed"
		} else {
			resp.Data = b
		}
	}
	ctx.WriteJSON(status, resp)
}

// WriteJSON 直接输出 v, 不包一层 Response
func (ctx *Context) WriteJSON(status int, v interface{}) {
	ctx.written = true
	ctx.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	ctx.Writer.WriteHeader(status)
	if err := json.NewEncoder(ctx.Writer).Encode(v); err != nil {
		ctx.Logger.Debugw("write response failed", "error", err)
	}
}

// SendFile 以附件形式返回 OCR 结果, 支持 Range 请求
func (ctx *Context) SendFile(res *Result) {
	h := ctx.Writer.Header()
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	h.Set("X-Task-ID", res.TaskID)
	h.Set("X-Output-Size", strconv.FormatInt(res.Size, 10))
	ctx.written = true
	http.ServeContent(ctx.Writer, ctx.Request, res.Filename, res.ModTime, res.Reader())
}
