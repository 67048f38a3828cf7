package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/metrics"
)

const defaultClientName = "im-client"

// Client 事件桥接使用的 NATS 连接
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient 连接 NATS
// cfg.RetryOnStart 为 true 时启动阶段连不上也返回客户端，连接在后台重试，聊天不受影响
func NewClient(cfg config.NATSConfig, name string) (*Client, error) {
	if name == "" {
		name = defaultClientName
	}
	c := &Client{logger: slog.Default().With("component", "nats", "client", name)}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(cfg.RetryOnStart),
		nats.ConnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(1)
			c.logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			c.logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(1)
			c.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(0)
			c.logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
		nats.Timeout(10 * time.Second),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	if conn.IsConnected() {
		metrics.NATSConnected.Set(1)
	} else {
		c.logger.Warn("NATS unavailable, retrying in background", "url", cfg.URL)
	}
	return c, nil
}

// Conn 返回底层 NATS 连接
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close 排空后关闭连接，未连上时直接关闭
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if !c.conn.IsConnected() {
		c.conn.Close()
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("Failed to drain NATS connection", "error", err)
		c.conn.Close()
	}
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
