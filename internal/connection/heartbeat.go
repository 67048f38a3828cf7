package connection

import (
	"context"
	"log/slog"
	"time"

	"sudooom.im.client/internal/metrics"
)

// HeartbeatChecker 服务端静默检测
// 服务端定期发送 ping，超过 timeout 没有任何下行帧就认为连接已失效
type HeartbeatChecker struct {
	sock          *socket
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	onTimeout     func()
}

// newHeartbeatChecker 创建心跳检测器
func newHeartbeatChecker(sock *socket, timeout, checkInterval time.Duration, logger *slog.Logger, onTimeout func()) *HeartbeatChecker {
	// 设置默认值
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = timeout / 3
	}

	return &HeartbeatChecker{
		sock:          sock,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
		onTimeout:     onTimeout,
	}
}

// Start 启动心跳检测（阻塞，应在 goroutine 中调用）
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.check(time.Now()) {
				return
			}
		}
	}
}

// check 超时返回 true 并关闭连接
func (h *HeartbeatChecker) check(now time.Time) bool {
	lastActive := h.sock.LastActiveTime()
	if now.Sub(lastActive) <= h.timeout {
		return false
	}

	h.logger.Warn("Socket heartbeat timeout",
		"socket_id", h.sock.ID(),
		"last_active", lastActive,
		"timeout", h.timeout)
	metrics.HeartbeatTimeouts.Inc()

	if h.onTimeout != nil {
		h.onTimeout()
	}
	h.sock.Close()
	return true
}
