package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/chat"
	"sudooom.im.client/internal/connection"
)

// ChatState 聊天状态来源，由 chat.Service 实现
type ChatState interface {
	ConnectionState() connection.State
	Rooms() []chat.Conversation
	Messages(conversationID string) []chat.Message
	TotalUnread() int
}

// Status 健康状态
type Status struct {
	Service string `json:"service"`
	Socket  string `json:"socket"`
	NATS    string `json:"nats"`
	Redis   string `json:"redis"`
	Rooms   int    `json:"rooms"`
	Unread  int    `json:"unread"`
}

// Checker 健康检查器
type Checker struct {
	nc          *nats.Conn
	redisClient *redis.Client
	chat        ChatState
}

// NewChecker 创建健康检查器，nc 与 redisClient 可为 nil
func NewChecker(nc *nats.Conn, redisClient *redis.Client, chat ChatState) *Checker {
	return &Checker{
		nc:          nc,
		redisClient: redisClient,
		chat:        chat,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "im-client",
		Socket:  h.chat.ConnectionState().String(),
		Rooms:   len(h.chat.Rooms()),
		Unread:  h.chat.TotalUnread(),
	}

	// 检查 NATS
	switch {
	case h.nc == nil:
		status.NATS = "not configured"
	case h.nc.IsConnected():
		status.NATS = "connected"
	default:
		status.NATS = "disconnected"
	}

	// 检查 Redis
	if h.redisClient != nil {
		redisCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.redisClient.Ping(redisCtx).Err(); err == nil {
			status.Redis = "connected"
		} else {
			status.Redis = "disconnected"
		}
	} else {
		status.Redis = "not configured"
	}

	return status
}

// IsReady 连接已打开才算就绪
func (h *Checker) IsReady() bool {
	return h.chat.ConnectionState() == connection.StateOpen
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.NATS == "disconnected" || status.Redis == "disconnected" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
