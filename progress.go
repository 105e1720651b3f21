package ocrgate

import (
	"fmt"
	"sync"
	"time"

	"ocrgate/pkg/logger"
)

const defaultProgressBuffer = 16

// ProgressHub 按任务 ID 维护进度通道. 编排器是唯一的发布者, 观察者可以随时订阅和退订.
// 发布从不阻塞: 订阅者缓冲满时丢弃最旧的事件.
type ProgressHub struct {
	mu       sync.Mutex
	channels map[string]*progressChannel
	buffer   int
	logger   *logger.Logger
}

type progressChannel struct {
	last     ProgressEvent
	hasLast  bool
	finished bool
	subs     map[*Subscription]struct{}
}

type Subscription struct {
	TaskID string
	ch     chan ProgressEvent
	hub    *ProgressHub
	closed bool // 由 hub.mu 保护
}

func NewProgressHub(buffer int, log *logger.Logger) *ProgressHub {
	if buffer <= 0 {
		buffer = defaultProgressBuffer
	}
	return &ProgressHub{
		channels: make(map[string]*progressChannel),
		buffer:   buffer,
		logger:   log,
	}
}

// Open 在任务创建时注册进度通道
func (h *ProgressHub) Open(taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[taskID]; ok {
		return fmt.Errorf("progress channel for task %s already open", taskID)
	}
	h.channels[taskID] = &progressChannel{subs: make(map[*Subscription]struct{})}
	return nil
}

// Emit 广播一条进度, 不会阻塞调用方
func (h *ProgressHub) Emit(taskID string, ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitLocked(taskID, ev)
}

// Finish 广播最终事件后关闭所有订阅
func (h *ProgressHub) Finish(taskID string, ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.emitLocked(taskID, ev)
	if c == nil {
		return
	}
	c.finished = true
	for sub := range c.subs {
		h.closeLocked(c, sub)
	}
}

func (h *ProgressHub) emitLocked(taskID string, ev ProgressEvent) *progressChannel {
	c, ok := h.channels[taskID]
	if !ok || c.finished {
		h.logger.Debugw("drop progress for inactive task", "taskId", taskID, "message", ev.Message)
		return nil
	}
	ev.TaskID = taskID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	c.last = ev
	c.hasLast = true

	if len(c.subs) == 0 {
		h.logger.Debugw("no subscribers for progress", "taskId", taskID, "message", ev.Message, "percent", ev.Progress)
	}
	for sub := range c.subs {
		if !sub.deliver(ev) {
			h.logger.Debugw("progress dropped for slow subscriber", "taskId", taskID)
		}
	}
	return c
}

// Subscribe 返回一个新的订阅, 立即收到最近一次的进度.
// 任务已经结束但还没移除时, 订阅者收到最终事件后通道随即关闭.
func (h *ProgressHub) Subscribe(taskID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.channels[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	sub := &Subscription{
		TaskID: taskID,
		ch:     make(chan ProgressEvent, h.buffer),
		hub:    h,
	}
	if c.hasLast {
		sub.ch <- c.last
	}
	if c.finished {
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Remove 在任务销毁时删除通道, 还在的订阅一并关闭
func (h *ProgressHub) Remove(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[taskID]
	if !ok {
		return
	}
	for sub := range c.subs {
		h.closeLocked(c, sub)
	}
	delete(h.channels, taskID)
}

func (h *ProgressHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *ProgressHub) closeLocked(c *progressChannel, sub *Subscription) {
	delete(c.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Events 在任务结束后关闭
func (s *Subscription) Events() <-chan ProgressEvent {
	return s.ch
}

// Close 退订, 可以重复调用
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if c, ok := s.hub.channels[s.TaskID]; ok {
		s.hub.closeLocked(c, s)
		return
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver 缓冲满时丢掉最旧的一条再放入, 保证最新状态(包括最终事件)一定能送达
func (s *Subscription) deliver(ev ProgressEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
