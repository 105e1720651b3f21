package v1

import (
	"net/http"

	"ocrgate"
)

type OCRController struct {
	router *ocrgate.Router
}

func NewOCRController(router *ocrgate.Router) *OCRController {
	controller := &OCRController{
		router: router,
	}
	controller.registerHandlers()
	return controller
}

func (oc *OCRController) registerHandlers() {
	oc.router.RegisterHandler("POST /ocr", oc.handleOCR)
	oc.router.RegisterHandler("POST /v1/tasks", oc.handleCreateTask)
}

type CreateTaskResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	ProgressURL string `json:"progress_url"`
	EventsURL   string `json:"events_url"`
	StatusURL   string `json:"status_url"`
	ResultURL   string `json:"result_url"`
}

// handleOCR 同步处理: 上传, 识别, 直接返回 PDF. 客户端断开会取消任务.
func (oc *OCRController) handleOCR(ctx *ocrgate.Context) error {
	up, err := readUpload(ctx)
	if err != nil {
		return err
	}

	o := ctx.Orchestrator()
	t, res, err := o.Process(ctx.Ctx, up)
	if t != nil {
		defer o.Release(t)
		ctx.Writer.Header().Set("X-Task-ID", t.ID)
	}
	if err != nil {
		return err
	}

	ctx.Logger.Infow("sending ocr result", "taskId", t.ID, "filename", res.Filename, "size", res.Size)
	ctx.SendFile(res)
	return nil
}

// handleCreateTask 异步处理, 立即返回任务 ID, 进度和结果通过其它接口获取
func (oc *OCRController) handleCreateTask(ctx *ocrgate.Context) error {
	up, err := readUpload(ctx)
	if err != nil {
		return err
	}

	t, err := ctx.Orchestrator().Start(up)
	if err != nil {
		return err
	}

	ctx.Writer.Header().Set("Location", "/v1/tasks/"+t.ID)
	ctx.JSON(http.StatusAccepted, ocrgate.CodeSuccess, "accepted", CreateTaskResponse{
		TaskID:      t.ID,
		Status:      t.GetStatus().String(),
		ProgressURL: "/ws/" + t.ID,
		EventsURL:   "/v1/tasks/" + t.ID + "/events",
		StatusURL:   "/v1/tasks/" + t.ID,
		ResultURL:   "/v1/tasks/" + t.ID + "/result",
	})
	return nil
}
