// Package websocket 把批量任务进度推送给订阅的客户端。
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
)

const (
	sendBuffer      = 64
	broadcastBuffer = 256
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	writeWait       = 10 * time.Second
)

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeProgress MessageType = "progress"
	MessageTypeFinished MessageType = "finished"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	JobID     string          `json:"jobId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobLookup 根据 ID 获取任务快照
type JobLookup func(id string) (*domain.BatchJob, error)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// Client 代表一个订阅某个任务的连接
type Client struct {
	ID    string
	JobID string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

type broadcastMessage struct {
	jobID string
	data  []byte
	final bool
}

// Hub 管理所有WebSocket连接
type Hub struct {
	jobs       map[string]map[string]*Client // jobID -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger

	allowedOrigins []string
}

// NewHub 创建 Hub，需要调用 Run 才会开始分发
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Hub{
		jobs:           make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan broadcastMessage, broadcastBuffer),
		done:           make(chan struct{}),
		log:            logger.OrNop(log),
		allowedOrigins: allowedOrigins,
	}
}

// Run 分发循环，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.jobs[client.JobID] == nil {
				h.jobs[client.JobID] = make(map[string]*Client)
			}
			h.jobs[client.JobID][client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID), zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Subscribers 订阅指定任务的连接数
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobs[jobID])
}

// PublishProgress 推送进度事件，队列满时丢弃并记录
//
// 调用方可能持有批次聚合锁，这里绝不阻塞。
func (h *Hub) PublishProgress(p domain.BatchProgress) {
	h.publish(MessageTypeProgress, p.JobID, p, false)
}

// PublishFinished 推送最终快照，随后关闭该任务的所有订阅
func (h *Hub) PublishFinished(job *domain.BatchJob) {
	h.publish(MessageTypeFinished, job.ID, job, true)
}

func (h *Hub) publish(kind MessageType, jobID string, payload any, final bool) {
	data, err := encode(kind, jobID, payload)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- broadcastMessage{jobID: jobID, data: data, final: final}:
	case <-h.done:
	default:
		h.log.Warn("broadcast queue full, dropping message",
			zap.String("job_id", jobID), zap.String("type", string(kind)))
	}
}

func encode(kind MessageType, jobID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{
		Type:      kind,
		JobID:     jobID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (h *Hub) deliver(msg broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.jobs[msg.jobID] {
		select {
		case client.send <- msg.data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", id))
		}
		if msg.final {
			close(client.send)
		}
	}
	if msg.final {
		delete(h.jobs, msg.jobID)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.jobs[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	close(client.send)
	if len(clients) == 0 {
		delete(h.jobs, client.JobID)
	}
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.jobs {
		for _, client := range clients {
			close(client.send)
		}
	}
	h.jobs = make(map[string]map[string]*Client)
}

// HandleJobStream 升级连接并订阅路径参数 id 对应的任务
//
// 认证由路由上的中间件完成。连接建立后先发送一次当前快照；
// 任务已结束时发送 finished 后立即关闭。
func HandleJobStream(hub *Hub, lookup JobLookup) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		jobID := c.Param("id")
		job, err := lookup(jobID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch job not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		kind := MessageTypeSnapshot
		if job.Finished {
			kind = MessageTypeFinished
		}
		first, err := encode(kind, job.ID, job)
		if err != nil {
			conn.Close()
			return
		}

		client := &Client{
			ID:    uuid.New().String(),
			JobID: job.ID,
			conn:  conn,
			send:  make(chan []byte, sendBuffer),
			hub:   hub,
		}
		client.send <- first

		if job.Finished {
			close(client.send)
			go client.writePump()
			return
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧，客户端发来的数据被忽略
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
