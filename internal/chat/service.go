// Package chat keeps the room directory and per-room message history of the
// signed-in user, fed by the chat REST endpoints and the shared socket.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.client/internal/chatapi"
	"sudooom.im.client/internal/connection"
	"sudooom.im.client/internal/identity"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/protocol"
)

// ErrServiceClosed 服务已关闭，迟到的结果被丢弃
var ErrServiceClosed = errors.New("chat service closed")

// localIDPrefix 乐观插入消息的本地 ID 前缀
const localIDPrefix = "local-"

// attachmentPreview 只有附件时的会话预览
const attachmentPreview = "[attachment]"

// Transport 聊天连接
type Transport interface {
	State() connection.State
	Send(frameType string, payload any) error
	Subscribe(frameType string, handler connection.Handler) func()
}

// HistoryAPI 会话列表与历史消息接口
type HistoryAPI interface {
	ListChatrooms(ctx context.Context) ([]chatapi.Room, error)
	ListMessages(ctx context.Context, chatroomID string, page, pageSize int) ([]protocol.Record, error)
}

// EventKind 变更事件类型
type EventKind string

const (
	EventRooms    EventKind = "rooms"
	EventMessages EventKind = "messages"
)

// Event 目录或消息变更通知
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	UnreadTotal    int       `json:"unreadTotal"`
	At             time.Time `json:"at"`
}

// EventSink 进程外的事件出口
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Options 服务参数
type Options struct {
	DedupWindow time.Duration
	PageSize    int
	Sink        EventSink
	Now         func() time.Time
	NewID       func() string
}

// Service 会话目录与消息存储的唯一入口
// 所有事件（下行帧、REST 结果、用户操作）在同一把锁内执行完毕
type Service struct {
	resolver  *identity.Resolver
	transport Transport
	api       HistoryAPI
	sink      EventSink
	pageSize  int
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	dir       *Directory
	store     *Store
	closed    bool
	pending   []Event
	unsubs    []func()
	listeners map[uint64]func(Event)
	nextID    uint64
}

// NewService 创建服务并订阅下行消息
func NewService(resolver *identity.Resolver, transport Transport, api HistoryAPI, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return localIDPrefix + uuid.NewString() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		resolver:  resolver,
		transport: transport,
		api:       api,
		sink:      opts.Sink,
		pageSize:  opts.PageSize,
		now:       opts.Now,
		newID:     opts.NewID,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		dir:       NewDirectory(),
		store:     NewStore(opts.DedupWindow),
		listeners: make(map[uint64]func(Event)),
	}

	s.unsubs = append(s.unsubs,
		transport.Subscribe(protocol.TypeChatMessage, s.handleInbound),
		transport.Subscribe(protocol.TypeDeliveryConfirmation, s.handleDelivery),
	)
	return s
}

// Close 取消订阅并丢弃之后到达的 REST 结果
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.cancel()
}

// Subscribe 监听变更事件，回调在锁外执行
func (s *Service) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// LoadRooms 拉取会话列表并整体替换目录；失败时保留原目录
func (s *Service) LoadRooms(ctx context.Context) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	rooms, err := s.api.ListChatrooms(ctx)

	s.lock()
	defer s.unlock()

	if stale := s.staleLocked(ctx); stale != nil {
		s.logger.Debug("Dropping late chatroom listing", "error", stale)
		return stale
	}
	if err != nil {
		s.logger.Warn("Failed to load chatrooms", "error", err)
		return err
	}

	own, _ := s.resolver.CurrentUserID()
	convs := make([]Conversation, 0, len(rooms))
	for _, r := range rooms {
		convs = append(convs, roomToConversation(r, own))
	}
	s.dir.Replace(convs)

	s.logger.Info("Chatrooms loaded", "count", len(convs))
	s.emitLocked(Event{Kind: EventRooms})
	return nil
}

// StartConversation 打开与 counterpartID 的会话，已存在时直接返回其 ID
// 无法确定当前用户时返回空字符串
func (s *Service) StartConversation(counterpartID, counterpartName string) string {
	s.lock()
	defer s.unlock()

	own, ok := s.resolver.CurrentUserID()
	if !ok || counterpartID == "" {
		s.logger.Warn("Cannot start conversation", "counterpart_id", counterpartID, "user_resolved", ok)
		return ""
	}

	id := identity.ConversationID(own, counterpartID)
	if s.dir.Has(id) {
		return id
	}

	if counterpartName == "" {
		counterpartName = counterpartID
	}
	s.dir.Prepend(Conversation{
		ID:                id,
		DisplayName:       counterpartName,
		CounterpartUserID: counterpartID,
	})
	s.store.Ensure(id)

	s.emitLocked(Event{Kind: EventRooms, ConversationID: id})
	return id
}

// LoadHistory 加载一页历史并替换消息序列
// 已加载过且 force 为 false 时不发请求；REST 失败时通过连接请求历史
func (s *Service) LoadHistory(ctx context.Context, conversationID string, page, pageSize int, force bool) error {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.store.Loaded(conversationID) && !force {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()

	records, err := s.api.ListMessages(ctx, conversationID, page, pageSize)

	s.lock()
	defer s.unlock()

	if stale := s.staleLocked(ctx); stale != nil {
		s.logger.Debug("Dropping late history page", "conversation_id", conversationID, "error", stale)
		return stale
	}
	if err != nil {
		s.logger.Warn("Failed to load history, requesting over socket",
			"conversation_id", conversationID,
			"error", err)
		s.requestHistoryLocked(conversationID, pageSize)
		return err
	}

	own, ownOK := s.resolver.CurrentUserID()
	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		m := recordToMessage(rec, conversationID, s.now())
		m.IsOwn = ownOK && m.SenderUserID == own
		msgs = append(msgs, m)
	}
	s.store.Replace(conversationID, msgs)
	s.store.MarkLoaded(conversationID)

	s.emitLocked(Event{Kind: EventMessages, ConversationID: conversationID})
	return nil
}

func (s *Service) requestHistoryLocked(conversationID string, limit int) {
	if s.transport.State() != connection.StateOpen {
		return
	}
	err := s.transport.Send(protocol.TypeHistoryRequest, protocol.HistoryRequest{
		ChatroomID: conversationID,
		Limit:      limit,
	})
	if err != nil {
		s.logger.Warn("Failed to request history over socket", "conversation_id", conversationID, "error", err)
	}
}

// AppendOutbound 发送消息并立即在本地插入
// 内容为空、连接未打开或无法确定当前用户时不做任何事并返回 false
func (s *Service) AppendOutbound(conversationID, body, attachmentURL string) bool {
	s.lock()
	defer s.unlock()

	if s.closed {
		return false
	}
	attachmentURL = strings.TrimSpace(attachmentURL)
	if strings.TrimSpace(body) == "" && attachmentURL == "" {
		return false
	}
	if s.transport.State() != connection.StateOpen {
		s.logger.Debug("Dropping send while socket is not open", "conversation_id", conversationID)
		return false
	}
	own, ok := s.resolver.CurrentUserID()
	if !ok {
		s.logger.Warn("Dropping send, current user unresolved", "conversation_id", conversationID)
		return false
	}

	err := s.transport.Send(protocol.TypeChatSend, protocol.ChatSend{
		Message:    body,
		ChatroomID: conversationID,
		FileURL:    attachmentURL,
	})
	if err != nil {
		s.logger.Warn("Failed to send message", "conversation_id", conversationID, "error", err)
		return false
	}

	msg := Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderUserID:   own,
		Body:           body,
		AttachmentURL:  attachmentURL,
		CreatedAt:      s.now(),
		IsOwn:          true,
	}
	s.store.Insert(msg)

	if !s.dir.ApplyOutbound(conversationID, preview(msg), msg.CreatedAt) {
		s.dir.Prepend(Conversation{
			ID:                conversationID,
			DisplayName:       identity.Counterpart(conversationID, own),
			CounterpartUserID: identity.Counterpart(conversationID, own),
			LastMessageText:   preview(msg),
			LastMessageAt:     msg.CreatedAt,
		})
	}

	s.emitLocked(Event{Kind: EventMessages, ConversationID: conversationID, Message: &msg})
	s.emitLocked(Event{Kind: EventRooms, ConversationID: conversationID})
	return true
}

// handleInbound 处理 chat.message
func (s *Service) handleInbound(payload json.RawMessage) {
	rec, err := protocol.ParseRecord(payload)
	if err != nil {
		s.logger.Warn("Failed to parse chat message", "error", err)
		return
	}

	s.lock()
	defer s.unlock()

	if s.closed {
		return
	}

	own, ownOK := s.resolver.CurrentUserID()
	conversationID := rec.ChatroomID
	if conversationID == "" {
		if !ownOK || rec.SenderID == "" {
			s.logger.Warn("Dropping chat message without chatroom", "message_id", rec.ID)
			return
		}
		conversationID = identity.ConversationID(own, rec.SenderID)
	}

	msg := recordToMessage(rec, conversationID, s.now())
	msg.IsOwn = ownOK && msg.SenderUserID == own

	if s.store.IsDuplicate(msg) {
		metrics.DuplicatesDropped.Inc()
		s.logger.Info("Dropping duplicate message",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"sender_id", msg.SenderUserID)
		return
	}
	s.store.Insert(msg)

	countUnread := !msg.IsOwn && s.dir.Active() != conversationID
	if !s.dir.ApplyInbound(conversationID, preview(msg), msg.CreatedAt, countUnread) {
		counterpart := msg.SenderUserID
		if ownOK {
			counterpart = identity.Counterpart(conversationID, own)
		}
		unread := 0
		if countUnread {
			unread = 1
		}
		s.dir.Prepend(Conversation{
			ID:                conversationID,
			DisplayName:       counterpart,
			CounterpartUserID: counterpart,
			LastMessageText:   preview(msg),
			LastMessageAt:     msg.CreatedAt,
			UnreadCount:       unread,
		})
	}

	s.emitLocked(Event{Kind: EventMessages, ConversationID: conversationID, Message: &msg})
	s.emitLocked(Event{Kind: EventRooms, ConversationID: conversationID})
}

// handleDelivery 处理 chat.delivery.confirmation，仅记录日志
func (s *Service) handleDelivery(payload json.RawMessage) {
	var confirm protocol.DeliveryConfirmation
	if err := json.Unmarshal(payload, &confirm); err != nil {
		s.logger.Warn("Failed to parse delivery confirmation", "error", err)
		return
	}
	s.logger.Info("Message delivered", "message_id", confirm.MessageID.String())
}

// SetActive 设置当前打开的会话，清零其未读
func (s *Service) SetActive(conversationID string) {
	s.lock()
	defer s.unlock()

	before := s.dir.TotalUnread()
	s.dir.SetActive(conversationID)
	if s.dir.TotalUnread() != before {
		s.emitLocked(Event{Kind: EventRooms, ConversationID: conversationID})
	}
}

// MarkRead 清零会话未读并把对方消息标记为已读
func (s *Service) MarkRead(conversationID string) {
	s.lock()
	defer s.unlock()

	roomChanged := s.dir.MarkRead(conversationID)
	msgsChanged := s.store.MarkRead(conversationID) > 0
	if roomChanged {
		s.emitLocked(Event{Kind: EventRooms, ConversationID: conversationID})
	}
	if msgsChanged {
		s.emitLocked(Event{Kind: EventMessages, ConversationID: conversationID})
	}
}

// Rooms 会话目录快照
func (s *Service) Rooms() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Snapshot()
}

// Room 单个会话快照
func (s *Service) Room(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Get(conversationID)
}

// TotalUnread 所有会话未读之和
func (s *Service) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.TotalUnread()
}

// Active 当前打开的会话
func (s *Service) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Active()
}

// Messages 会话消息快照
func (s *Service) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages(conversationID)
}

// Loaded 会话历史是否已加载
func (s *Service) Loaded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Loaded(conversationID)
}

// ConnectionState 当前连接状态
func (s *Service) ConnectionState() connection.State {
	return s.transport.State()
}

// bind 调用方 ctx 与服务生命周期合并
func (s *Service) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// staleLocked 服务已关闭或请求已取消时返回原因
func (s *Service) staleLocked(ctx context.Context) error {
	if s.closed {
		return ErrServiceClosed
	}
	return ctx.Err()
}

func (s *Service) lock() {
	s.mu.Lock()
}

// unlock 解锁后投递本次持锁期间产生的事件
func (s *Service) unlock() {
	events := s.pending
	s.pending = nil
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
		if s.sink != nil {
			if err := s.sink.Publish(s.ctx, ev); err != nil {
				s.logger.Warn("Failed to publish chat event", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (s *Service) emitLocked(ev Event) {
	ev.UnreadTotal = s.dir.TotalUnread()
	ev.At = s.now()
	metrics.UnreadTotal.Set(float64(ev.UnreadTotal))
	s.pending = append(s.pending, ev)
}

func roomToConversation(r chatapi.Room, own string) Conversation {
	counterpart := r.User.ID
	if counterpart == "" && own != "" {
		counterpart = identity.Counterpart(r.ChatroomID, own)
	}
	name := r.User.Name
	if name == "" {
		name = counterpart
	}

	c := Conversation{
		ID:                r.ChatroomID,
		DisplayName:       name,
		CounterpartUserID: counterpart,
		AvatarURL:         r.User.ProfilePic,
	}
	if r.LastMessage != nil {
		c.LastMessageText = r.LastMessage.Message
		c.LastMessageAt = r.LastMessage.CreatedAt
	}
	return c
}

func recordToMessage(rec protocol.Record, conversationID string, now time.Time) Message {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return Message{
		ID:             rec.ID,
		ConversationID: conversationID,
		SenderUserID:   rec.SenderID,
		Body:           rec.Body,
		AttachmentURL:  rec.FileURL,
		CreatedAt:      createdAt,
		Read:           rec.Read,
	}
}

func preview(m Message) string {
	if m.Body == "" && m.AttachmentURL != "" {
		return attachmentPreview
	}
	return m.Body
}
