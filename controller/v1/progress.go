package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ocrgate"
)

const sseKeepAlive = 30 * time.Second

type ProgressController struct {
	router   *ocrgate.Router
	upgrader websocket.Upgrader
}

func NewProgressController(router *ocrgate.Router) *ProgressController {
	controller := &ProgressController{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 进度只读, 不限制来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	controller.registerHandlers()
	return controller
}

func (pc *ProgressController) registerHandlers() {
	pc.router.RegisterHandler("GET /ws/{task_id}", pc.handleWebsocket)
	pc.router.RegisterHandler("GET /v1/tasks/{task_id}/events", pc.handleEvents)
}

func (pc *ProgressController) handleWebsocket(ctx *ocrgate.Context) error {
	id, err := ctx.TaskID()
	if err != nil {
		return err
	}
	sub, err := ctx.Orchestrator().Hub().Subscribe(id)
	if err != nil {
		return err
	}

	conn, err := pc.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	ctx.Hijacked()
	if err != nil {
		// Upgrade 已经写过错误响应
		sub.Close()
		ctx.Logger.Infow("websocket upgrade failed", "error", err)
		return nil
	}
	ctx.Logger.Debugw("progress subscriber connected", "taskId", id)
	ocrgate.NewProgressClient(conn, sub, ctx.Logger).Serve()
	return nil
}

// handleEvents 以 Server-Sent Events 推送进度, 最终事件之后结束响应
func (pc *ProgressController) handleEvents(ctx *ocrgate.Context) error {
	id, err := ctx.TaskID()
	if err != nil {
		return err
	}
	flusher, ok := ctx.Writer.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	sub, err := ctx.Orchestrator().Hub().Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()

	h := ctx.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	ctx.Hijacked()
	ctx.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	events := sub.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b, err := json.Marshal(ev)
			if err != nil {
				return nil
			}
			if _, err := fmt.Fprintf(ctx.Writer, "event: progress\ndata: %s\n\n", b); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(ctx.Writer, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Ctx.Done():
			// 观察者断开只退订
			return nil
		}
	}
}
