package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.client/internal/chat"
)

// EventPublisher 把聊天变更事件发布到 NATS，供进程外的界面订阅
type EventPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewEventPublisher 创建事件发布器
func NewEventPublisher(nc *nats.Conn, prefix, userID string) *EventPublisher {
	return &EventPublisher{
		nc:      nc,
		subject: BuildEventsSubject(prefix, userID),
		logger:  slog.Default(),
	}
}

// Subject 发布的 Subject
func (p *EventPublisher) Subject() string {
	return p.subject
}

// Publish 实现 chat.EventSink
func (p *EventPublisher) Publish(_ context.Context, event chat.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal chat event", "error", err)
		return err
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		p.logger.Error("Failed to publish chat event", "subject", p.subject, "error", err)
		return err
	}

	p.logger.Debug("Published chat event", "subject", p.subject, "kind", event.Kind)
	return nil
}
