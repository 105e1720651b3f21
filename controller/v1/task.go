package v1

import (
	"net/http"

	"ocrgate"
	"ocrgate/pkg/task"
)

type TaskController struct {
	router *ocrgate.Router
}

func NewTaskController(router *ocrgate.Router) *TaskController {
	controller := &TaskController{
		router: router,
	}
	controller.registerHandlers()
	return controller
}

func (tc *TaskController) registerHandlers() {
	tc.router.RegisterHandler("GET /v1/tasks/{task_id}", tc.handleGetTaskInfo)
	tc.router.RegisterHandler("GET /v1/tasks/{task_id}/result", tc.handleGetResult)
	tc.router.RegisterHandler("POST /v1/tasks/{task_id}/cancel", tc.handleCancel)
}

type CancelResponse struct {
	TaskID string          `json:"task_id"`
	Status task.TaskStatus `json:"status"`
}

// handleGetTaskInfo 先查运行中的任务, 找不到再查结果台账
func (tc *TaskController) handleGetTaskInfo(ctx *ocrgate.Context) error {
	id, err := ctx.TaskID()
	if err != nil {
		return err
	}
	record, err := ctx.Orchestrator().Status(id)
	if err != nil {
		return err
	}
	ctx.JSONSuccess(record)
	return nil
}

// handleGetResult 领取结果. 结果只能领取一次, 领取后任务销毁.
func (tc *TaskController) handleGetResult(ctx *ocrgate.Context) error {
	id, err := ctx.TaskID()
	if err != nil {
		return err
	}
	o := ctx.Orchestrator()
	t, res, err := o.Result(id)
	if err != nil {
		return err
	}
	defer o.Release(t)
	ctx.SendFile(res)
	return nil
}

func (tc *TaskController) handleCancel(ctx *ocrgate.Context) error {
	id, err := ctx.TaskID()
	if err != nil {
		return err
	}
	status, err := ctx.Orchestrator().Cancel(id)
	if err != nil {
		return err
	}
	ctx.JSON(http.StatusAccepted, ocrgate.CodeSuccess, "cancel requested", CancelResponse{TaskID: id, Status: status})
	return nil
}
