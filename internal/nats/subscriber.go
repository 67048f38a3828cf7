package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.client/internal/workerpool"
)

// 外部命令
const (
	ActionStart   = "start"
	ActionSend    = "send"
	ActionOpen    = "open"
	ActionRead    = "read"
	ActionHistory = "history"
)

// Command 进程外界面发来的命令
type Command struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
	CounterpartID  string `json:"counterpartId,omitempty"`
	Name           string `json:"name,omitempty"`
	Body           string `json:"body,omitempty"`
	FileURL        string `json:"fileUrl,omitempty"`
	Force          bool   `json:"force,omitempty"`
}

// Reply 命令执行结果
type Reply struct {
	OK             bool   `json:"ok"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CommandHandler 命令的执行方，由 chat.Service 实现
type CommandHandler interface {
	StartConversation(counterpartID, counterpartName string) string
	AppendOutbound(conversationID, body, attachmentURL string) bool
	SetActive(conversationID string)
	MarkRead(conversationID string)
	LoadHistory(ctx context.Context, conversationID string, page, pageSize int, force bool) error
}

var (
	errUnknownAction = errors.New("unknown action")
	errRejected      = errors.New("rejected: not connected, empty message or unknown user")
	errBusy          = errors.New("busy: command queue full")
)

// CommandSubscriber 订阅外部命令并交给 CommandHandler
type CommandSubscriber struct {
	nc           *nats.Conn
	subject      string
	handler      CommandHandler
	timeout      time.Duration
	pool         *workerpool.Pool
	logger       *slog.Logger
	subscription *nats.Subscription
}

// NewCommandSubscriber 创建命令订阅器
func NewCommandSubscriber(nc *nats.Conn, prefix, userID string, handler CommandHandler) *CommandSubscriber {
	return &CommandSubscriber{
		nc:      nc,
		subject: BuildCommandsSubject(prefix, userID),
		handler: handler,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
}

// UsePool 命令交给任务池执行，避免阻塞 NATS 回调
func (s *CommandSubscriber) UsePool(pool *workerpool.Pool) *CommandSubscriber {
	s.pool = pool
	return s
}

// Start 启动订阅
func (s *CommandSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		if s.pool == nil {
			s.respond(msg, s.Handle(ctx, msg.Data))
			return
		}
		if !s.pool.TrySubmit(func() { s.respond(msg, s.Handle(ctx, msg.Data)) }) {
			s.logger.Warn("Dropping command, pool is full", "subject", msg.Subject)
			s.respond(msg, Reply{Error: errBusy.Error()})
		}
	})
	if err != nil {
		return err
	}
	s.subscription = sub

	s.logger.Info("Command subscriber started", "subject", s.subject)
	return nil
}

func (s *CommandSubscriber) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal command reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond to command", "error", err)
	}
}

// Stop 停止订阅
func (s *CommandSubscriber) Stop() {
	if s.subscription != nil {
		s.subscription.Unsubscribe()
		s.subscription = nil
	}
}

// Handle 解析并执行一条命令
func (s *CommandSubscriber) Handle(ctx context.Context, data []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn("Failed to unmarshal command", "error", err)
		return Reply{Error: err.Error()}
	}

	switch cmd.Action {
	case ActionStart:
		id := s.handler.StartConversation(cmd.CounterpartID, cmd.Name)
		if id == "" {
			return Reply{Error: errRejected.Error()}
		}
		return Reply{OK: true, ConversationID: id}

	case ActionSend:
		if !s.handler.AppendOutbound(cmd.ConversationID, cmd.Body, cmd.FileURL) {
			return Reply{ConversationID: cmd.ConversationID, Error: errRejected.Error()}
		}
		return Reply{OK: true, ConversationID: cmd.ConversationID}

	case ActionOpen:
		s.handler.SetActive(cmd.ConversationID)
		return Reply{OK: true, ConversationID: cmd.ConversationID}

	case ActionRead:
		s.handler.MarkRead(cmd.ConversationID)
		return Reply{OK: true, ConversationID: cmd.ConversationID}

	case ActionHistory:
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.handler.LoadHistory(ctx, cmd.ConversationID, 1, 0, cmd.Force); err != nil {
			return Reply{ConversationID: cmd.ConversationID, Error: err.Error()}
		}
		return Reply{OK: true, ConversationID: cmd.ConversationID}

	default:
		s.logger.Debug("Ignoring command", "action", cmd.Action)
		return Reply{Error: errUnknownAction.Error()}
	}
}
