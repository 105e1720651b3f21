package ocrgate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ocrgate/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// ProgressClient 把一个任务的进度推送到 websocket 连接.
// 连接断开只会退订, 不会影响任务本身.
type ProgressClient struct {
	conn   *websocket.Conn
	sub    *Subscription
	logger *logger.Logger

	pongs chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewProgressClient(conn *websocket.Conn, sub *Subscription, log *logger.Logger) *ProgressClient {
	return &ProgressClient{
		conn:   conn,
		sub:    sub,
		logger: log.With("taskId", sub.TaskID, "remote", conn.RemoteAddr().String()),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Serve 阻塞直到任务结束或者对端断开
func (c *ProgressClient) Serve() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	c.writePump()
	wg.Wait()
	c.logger.Debugw("progress connection closed")
}

func (c *ProgressClient) stop() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
	})
}

// 读取对端消息的goroutine, 只处理文本心跳
func (c *ProgressClient) readPump() {
	defer c.stop()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugw("progress connection read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ == websocket.TextMessage && string(message) == MessagePing {
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}
	}
}

// 写消息到websocket的goroutine, 所有写操作都在这里
func (c *ProgressClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		c.conn.Close()
	}()
	events := c.sub.Events()
	for {
		select {
		case ev, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 任务结束, 通道已关闭
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				c.logger.Errorw("marshal progress event failed", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debugw("write progress failed", "error", err)
				return
			}
		case <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(MessagePong)); err != nil {
				return
			}
		case <-ticker.C:
			// 定时ping对端以保持连接
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
