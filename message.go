package ocrgate

import "encoding/json"

const (
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"

	// 进度连接上的心跳
	MessagePing = "ping"
	MessagePong = "pong"
)

// ProgressEvent 是推送给观察者的进度消息
type ProgressEvent struct {
	TaskID    string `json:"task_id"`   // 任务 ID
	Status    string `json:"status"`    // processing / completed / failed
	Message   string `json:"message"`   // 当前阶段
	Progress  int    `json:"progress"`  // 0-100
	Timestamp int64  `json:"timestamp"` // 毫秒时间戳
}

func (ev ProgressEvent) Terminal() bool {
	return ev.Status == EventStatusCompleted || ev.Status == EventStatusFailed
}

// Response 是 HTTP 接口统一的返回结构
type Response struct {
	Code ErrorCode       `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}
