package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// allJobs 订阅全部任务的客户端键
const allJobs = "all"

// ProgressMessage 任务进度消息
type ProgressMessage struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Step      string           `json:"step,omitempty"`
	Percent   int              `json:"percent"`
	Timestamp int64            `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(msg ProgressMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

// ProgressHandler 通过 WebSocket 推送任务进度
type ProgressHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[string]map[*wsClient]struct{}
	clientMutex sync.RWMutex
	broadcast   chan ProgressMessage
	done        chan struct{}
	stopOnce    sync.Once
}

// NewProgressHandler 创建进度推送处理器
func NewProgressHandler(logger *logrus.Logger) *ProgressHandler {
	return &ProgressHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[string]map[*wsClient]struct{}),
		broadcast: make(chan ProgressMessage, 256),
		done:      make(chan struct{}),
	}
}

// Start 启动广播协程
func (h *ProgressHandler) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播
func (h *ProgressHandler) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *ProgressHandler) runBroadcaster() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			for _, c := range h.subscribers(msg.JobID) {
				if err := c.write(msg); err != nil {
					h.logger.WithError(err).Debug("Failed to write to WebSocket client")
					c.conn.Close()
				}
			}
		}
	}
}

// subscribers 订阅该任务或全部任务的客户端
func (h *ProgressHandler) subscribers(jobID string) []*wsClient {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	var out []*wsClient
	for _, key := range []string{jobID, allJobs} {
		for c := range h.clients[key] {
			out = append(out, c)
		}
	}
	return out
}

func (h *ProgressHandler) register(key string, c *wsClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[*wsClient]struct{})
	}
	h.clients[key][c] = struct{}{}
}

func (h *ProgressHandler) unregister(key string, c *wsClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	delete(h.clients[key], c)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/jobs/:id，id 为 all 时接收全部任务
func (h *ProgressHandler) HandleWebSocket(c *gin.Context) {
	key := c.Param("id")
	if key == "" {
		key = allJobs
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade to WebSocket")
		return
	}
	client := &wsClient{conn: conn}
	h.register(key, client)
	defer func() {
		h.unregister(key, client)
		conn.Close()
	}()

	h.logger.WithField("job_id", key).Debug("WebSocket client connected")

	// 客户端只接收消息，读循环用于检测断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket closed unexpectedly")
			}
			return
		}
	}
}

// NotifyProgress 推送进度，队列满时丢弃
func (h *ProgressHandler) NotifyProgress(jobID string, status domain.JobStatus, step string, percent int) {
	msg := ProgressMessage{
		JobID:     jobID,
		Status:    status,
		Step:      step,
		Percent:   percent,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("job_id", jobID).Debug("Progress channel is full, dropping message")
	}
}

// ClientCount 当前连接数
func (h *ProgressHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
