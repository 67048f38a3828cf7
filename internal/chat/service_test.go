package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/chatapi"
	"sudooom.im.client/internal/connection"
	appErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/identity"
	"sudooom.im.client/internal/protocol"
)

// fakeTransport 记录发送的帧，手动投递下行帧
type fakeTransport struct {
	mu       sync.Mutex
	state    connection.State
	sent     []sentFrame
	sendErr  error
	handlers map[string][]connection.Handler
}

type sentFrame struct {
	Type    string
	Payload any
}

func newFakeTransport(state connection.State) *fakeTransport {
	return &fakeTransport{state: state, handlers: make(map[string][]connection.Handler)}
}

func (f *fakeTransport) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s connection.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeTransport) Send(frameType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{Type: frameType, Payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(frameType string, handler connection.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[frameType] = append(f.handlers[frameType], handler)
	idx := len(f.handlers[frameType]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[frameType][idx] = nil
	}
}

func (f *fakeTransport) deliver(t *testing.T, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]connection.Handler(nil), f.handlers[frameType]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(raw)
		}
	}
}

func (f *fakeTransport) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

// fakeAPI 可配置的 REST 返回
type fakeAPI struct {
	mu          sync.Mutex
	rooms       []chatapi.Room
	roomsErr    error
	messages    map[string][]protocol.Record
	messagesErr error
	release     chan struct{}
	roomCalls   int
	msgCalls    int
}

func (f *fakeAPI) ListChatrooms(ctx context.Context) ([]chatapi.Room, error) {
	f.mu.Lock()
	f.roomCalls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms, f.roomsErr
}

func (f *fakeAPI) ListMessages(ctx context.Context, chatroomID string, page, pageSize int) ([]protocol.Record, error) {
	f.mu.Lock()
	f.msgCalls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[chatroomID], f.messagesErr
}

// clock 可手动推进的时钟
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc       *Service
	transport *fakeTransport
	api       *fakeAPI
	clock     *clock
}

func newFixture(t *testing.T, sess identity.Session) *fixture {
	t.Helper()
	f := &fixture{
		transport: newFakeTransport(connection.StateOpen),
		api:       &fakeAPI{messages: make(map[string][]protocol.Record)},
		clock:     &clock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
	}
	seq := 0
	f.svc = NewService(identity.NewResolver(sess), f.transport, f.api, Options{
		Now: f.clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("local-%d", seq)
		},
	})
	t.Cleanup(f.svc.Close)
	return f
}

func userSession(id string) identity.Session {
	return identity.Session{User: &identity.User{UserID: id, Name: "Ann"}, AccessToken: "tok"}
}

func inbound(id, sender, body, chatroom string, at time.Time) map[string]any {
	m := map[string]any{
		"senderId":   sender,
		"message":    body,
		"chatroomId": chatroom,
		"createdAt":  at.Format(time.RFC3339Nano),
	}
	if id != "" {
		m["messageId"] = id
	}
	return m
}

func TestStartConversation_Idempotent(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	first := f.svc.StartConversation("u2", "Jane")
	second := f.svc.StartConversation("u2", "Jane")

	assert.Equal(t, "u1-u2", first)
	assert.Equal(t, first, second)

	rooms := f.svc.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "Jane", rooms[0].DisplayName)
	assert.Equal(t, "u2", rooms[0].CounterpartUserID)
	assert.Equal(t, 0, rooms[0].UnreadCount)
	assert.Empty(t, f.svc.Messages(first))
}

func TestStartConversation_UnresolvedUser(t *testing.T) {
	f := newFixture(t, identity.Session{})

	assert.Equal(t, "", f.svc.StartConversation("u2", "Jane"))
	assert.Empty(t, f.svc.Rooms())
}

func TestStartConversation_PrependsNewRooms(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	f.svc.StartConversation("u2", "Jane")
	f.svc.StartConversation("u3", "")

	rooms := f.svc.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "u1-u3", rooms[0].ID)
	assert.Equal(t, "u3", rooms[0].DisplayName)
	assert.Equal(t, "u1-u2", rooms[1].ID)
}

func TestOptimisticEchoIsDeduplicated(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	id := f.svc.StartConversation("u2", "Jane")
	require.Equal(t, "u1-u2", id)

	require.True(t, f.svc.AppendOutbound(id, "hi", ""))

	msgs := f.svc.Messages(id)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOwn)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.False(t, msgs[0].Read)

	frames := f.transport.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeChatSend, frames[0].Type)
	assert.Equal(t, protocol.ChatSend{Message: "hi", ChatroomID: "u1-u2"}, frames[0].Payload)

	// 服务端广播同一条消息，带服务端 ID，时间相差 400ms
	f.transport.deliver(t, protocol.TypeChatMessage,
		inbound("srv-1", "u1", "hi", id, f.clock.Now().Add(400*time.Millisecond)))

	msgs = f.svc.Messages(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "local-1", msgs[0].ID)
}

func TestDedup_SameID(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	at := f.clock.Now()

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "hello", "u1-u2", at))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "edited", "u1-u2", at.Add(time.Minute)))

	assert.Len(t, f.svc.Messages("u1-u2"), 1)
	room, ok := f.svc.Room("u1-u2")
	require.True(t, ok)
	assert.Equal(t, 1, room.UnreadCount)
}

func TestDedup_DistinctContentRetained(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	at := f.clock.Now()

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u2", "hello", "u1-u2", at))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u2", "world", "u1-u2", at.Add(200*time.Millisecond)))

	msgs := f.svc.Messages("u1-u2")
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "world", msgs[1].Body)
}

func TestDedup_WindowBoundary(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	at := f.clock.Now()

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u2", "ok", "u1-u2", at))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u2", "ok", "u1-u2", at.Add(999*time.Millisecond)))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u2", "ok", "u1-u2", at.Add(2*time.Second)))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("", "u3", "ok", "u1-u2", at))

	assert.Len(t, f.svc.Messages("u1-u2"), 3)
}

func TestInbound_OrderedByCreatedAt(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	at := f.clock.Now()

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m2", "u2", "second", "u1-u2", at.Add(time.Minute)))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "first", "u1-u2", at))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m3", "u2", "third", "u1-u2", at.Add(2*time.Minute)))

	msgs := f.svc.Messages("u1-u2")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestInbound_LegacySenderFields(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	f.transport.deliver(t, protocol.TypeChatMessage, map[string]any{
		"messageId":    "m1",
		"from_user_id": "u2",
		"message":      "legacy",
	})

	msgs := f.svc.Messages("u1-u2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "u2", msgs[0].SenderUserID)
	assert.False(t, msgs[0].IsOwn)
	assert.Equal(t, f.clock.Now(), msgs[0].CreatedAt)
}

func TestInbound_UnknownRoomSynthesized(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.svc.StartConversation("u2", "Jane")

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u9", "hey", "u1-u9", f.clock.Now()))

	rooms := f.svc.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "u1-u9", rooms[0].ID)
	assert.Equal(t, "u9", rooms[0].DisplayName)
	assert.Equal(t, "u9", rooms[0].CounterpartUserID)
	assert.Equal(t, 1, rooms[0].UnreadCount)
	assert.Equal(t, "hey", rooms[0].LastMessageText)
}

func TestInbound_Malformed(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	f.transport.deliver(t, protocol.TypeChatMessage, "not an object")
	f.transport.deliver(t, protocol.TypeChatMessage, map[string]any{"message": "orphan"})

	assert.Empty(t, f.svc.Rooms())
}

func TestInbound_LenientTimestampAndReadFlag(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	f.transport.deliver(t, protocol.TypeChatMessage, map[string]any{
		"messageId":  "m1",
		"senderId":   "u2",
		"message":    "java backend",
		"chatroomId": "u1-u2",
		"createdAt":  "2026-10-19T08:00:00.000+0000",
		"isRead":     0,
	})
	f.transport.deliver(t, protocol.TypeChatMessage, map[string]any{
		"messageId":  "m2",
		"senderId":   "u2",
		"message":    "odd clock",
		"chatroomId": "u1-u2",
		"createdAt":  "not a time",
		"isRead":     1,
	})

	msgs := f.svc.Messages("u1-u2")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC).Equal(msgs[0].CreatedAt))
	assert.False(t, msgs[0].Read)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, f.clock.Now(), msgs[1].CreatedAt)
	assert.True(t, msgs[1].Read)
}

func TestInbound_OwnMessageNeverCountsUnread(t *testing.T) {
	tests := []struct {
		name   string
		active bool
		sender string
		want   int
	}{
		{"对方消息新建会话", false, "u2", 1},
		{"自己消息新建会话", false, "u1", 0},
		{"对方消息且会话已打开", true, "u2", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, userSession("u1"))
			if tt.active {
				f.svc.SetActive("u1-u2")
			}

			f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", tt.sender, "hi", "u1-u2", f.clock.Now()))

			room, ok := f.svc.Room("u1-u2")
			require.True(t, ok)
			assert.Equal(t, tt.want, room.UnreadCount)
			assert.Equal(t, "u2", room.CounterpartUserID)
		})
	}
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	other := f.svc.StartConversation("u3", "Bob")

	for i := 0; i < 3; i++ {
		f.clock.Advance(5 * time.Second)
		f.transport.deliver(t, protocol.TypeChatMessage,
			inbound(fmt.Sprintf("m%d", i), "u2", fmt.Sprintf("msg %d", i), id, f.clock.Now()))
		room, _ := f.svc.Room(id)
		assert.Equal(t, i+1, room.UnreadCount)
	}

	require.True(t, f.svc.AppendOutbound(id, "reply", ""))
	room, _ := f.svc.Room(id)
	assert.Equal(t, 3, room.UnreadCount)
	assert.Equal(t, "reply", room.LastMessageText)

	// 打开的会话不计未读
	f.svc.SetActive(other)
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("b1", "u3", "seen", other, f.clock.Now()))
	room, _ = f.svc.Room(other)
	assert.Equal(t, 0, room.UnreadCount)

	// 自己在其他设备发的消息不计未读
	f.clock.Advance(5 * time.Second)
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("own-1", "u1", "from phone", id, f.clock.Now()))
	room, _ = f.svc.Room(id)
	assert.Equal(t, 3, room.UnreadCount)

	assert.Equal(t, 3, f.svc.TotalUnread())
	f.svc.SetActive(id)
	assert.Equal(t, 0, f.svc.TotalUnread())
	assert.Equal(t, id, f.svc.Active())
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "hello", "u1-u2", f.clock.Now()))

	f.svc.MarkRead("u1-u2")

	room, _ := f.svc.Room("u1-u2")
	assert.Equal(t, 0, room.UnreadCount)
	msgs := f.svc.Messages("u1-u2")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestAppendOutbound_Guards(t *testing.T) {
	tests := []struct {
		name  string
		sess  identity.Session
		state connection.State
		body  string
		file  string
	}{
		{"socket connecting", userSession("u1"), connection.StateConnecting, "hi", ""},
		{"socket closed", userSession("u1"), connection.StateClosed, "hi", ""},
		{"empty body", userSession("u1"), connection.StateOpen, "   ", ""},
		{"unresolved user", identity.Session{}, connection.StateOpen, "hi", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.sess)
			f.transport.setState(tt.state)

			assert.False(t, f.svc.AppendOutbound("u1-u2", tt.body, tt.file))
			assert.Empty(t, f.transport.frames())
			assert.Empty(t, f.svc.Messages("u1-u2"))
			assert.Empty(t, f.svc.Rooms())
		})
	}
}

func TestAppendOutbound_AttachmentOnly(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")

	require.True(t, f.svc.AppendOutbound(id, "", "https://cdn/report.pdf"))

	frames := f.transport.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.ChatSend{ChatroomID: id, FileURL: "https://cdn/report.pdf"}, frames[0].Payload)

	room, _ := f.svc.Room(id)
	assert.Equal(t, attachmentPreview, room.LastMessageText)
}

func TestAppendOutbound_SendFailure(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	f.transport.sendErr = appErrors.ErrConnectionGone

	assert.False(t, f.svc.AppendOutbound(id, "hi", ""))
	assert.Empty(t, f.svc.Messages(id))
}

func TestLoadRooms(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.api.rooms = []chatapi.Room{
		{ChatroomID: "u1-u2", User: chatapi.RoomUser{ID: "u2", Name: "Jane", ProfilePic: "j.png"},
			LastMessage: &chatapi.LastMessage{Message: "bye", CreatedAt: f.clock.Now()}},
		{ChatroomID: "u0-u1", User: chatapi.RoomUser{Name: "Zed"}},
	}

	require.NoError(t, f.svc.LoadRooms(context.Background()))

	rooms := f.svc.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "u1-u2", rooms[0].ID)
	assert.Equal(t, "Jane", rooms[0].DisplayName)
	assert.Equal(t, "j.png", rooms[0].AvatarURL)
	assert.Equal(t, "bye", rooms[0].LastMessageText)
	assert.Equal(t, 0, rooms[0].UnreadCount)

	assert.Equal(t, "u0-u1", rooms[1].ID)
	assert.Equal(t, "u0", rooms[1].CounterpartUserID)
	assert.Equal(t, 0, rooms[1].UnreadCount)
}

func TestLoadRooms_FailureKeepsDirectory(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.svc.StartConversation("u2", "Jane")
	f.api.roomsErr = appErrors.ErrBadStatus

	err := f.svc.LoadRooms(context.Background())
	assert.True(t, appErrors.Is(err, appErrors.ErrBadStatus))
	require.Len(t, f.svc.Rooms(), 1)

	// 列表失败后连接仍可用来开启新会话
	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u3", "hi", "u1-u3", f.clock.Now()))
	assert.Len(t, f.svc.Rooms(), 2)
}

func TestLoadHistory(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	base := f.clock.Now().Add(-time.Hour)
	f.api.messages[id] = []protocol.Record{
		{ID: "m2", SenderID: "u1", Body: "second", CreatedAt: base.Add(time.Minute)},
		{ID: "m1", SenderID: "u2", Body: "first", CreatedAt: base},
	}

	require.NoError(t, f.svc.LoadHistory(context.Background(), id, 1, 20, false))

	msgs := f.svc.Messages(id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.False(t, msgs[0].IsOwn)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.True(t, msgs[1].IsOwn)
	assert.Equal(t, id, msgs[1].ConversationID)
	assert.True(t, f.svc.Loaded(id))

	// 已加载过，不再请求
	require.NoError(t, f.svc.LoadHistory(context.Background(), id, 1, 20, false))
	assert.Equal(t, 1, f.api.msgCalls)
}

func TestLoadHistory_ForceReloadReplacesLocalMessages(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	f.api.messages[id] = []protocol.Record{
		{ID: "m1", SenderID: "u2", Body: "persisted", CreatedAt: f.clock.Now().Add(-time.Hour)},
	}
	require.NoError(t, f.svc.LoadHistory(context.Background(), id, 1, 20, false))

	for i := 0; i < 3; i++ {
		f.clock.Advance(5 * time.Second)
		require.True(t, f.svc.AppendOutbound(id, fmt.Sprintf("local %d", i), ""))
	}
	require.Len(t, f.svc.Messages(id), 4)

	require.NoError(t, f.svc.LoadHistory(context.Background(), id, 1, 20, true))

	msgs := f.svc.Messages(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 2, f.api.msgCalls)
}

func TestLoadHistory_FailureFallsBackToSocket(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	f.api.messagesErr = appErrors.ErrRequestFailed

	err := f.svc.LoadHistory(context.Background(), id, 1, 30, false)
	assert.True(t, appErrors.Is(err, appErrors.ErrRequestFailed))
	assert.False(t, f.svc.Loaded(id))

	frames := f.transport.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeHistoryRequest, frames[0].Type)
	assert.Equal(t, protocol.HistoryRequest{ChatroomID: id, Limit: 30}, frames[0].Payload)

	// 连接未打开时只记录日志
	f.transport.setState(connection.StateClosed)
	require.Error(t, f.svc.LoadHistory(context.Background(), id, 1, 30, false))
	assert.Len(t, f.transport.frames(), 1)
}

func TestLateResultsDroppedAfterClose(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.svc.StartConversation("u2", "Jane")

	f.api.release = make(chan struct{})
	f.api.rooms = []chatapi.Room{{ChatroomID: "u1-u7"}, {ChatroomID: "u1-u8"}}

	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.LoadRooms(context.Background()) }()

	require.Eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.roomCalls == 1
	}, time.Second, time.Millisecond)

	f.svc.Close()
	close(f.api.release)

	err := <-errCh
	assert.True(t, errors.Is(err, ErrServiceClosed))
	rooms := f.svc.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "u1-u2", rooms[0].ID)
}

func TestLateResultsDroppedAfterCancel(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")

	f.api.release = make(chan struct{})
	f.api.messages[id] = []protocol.Record{{ID: "m1", SenderID: "u2", Body: "late"}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.LoadHistory(ctx, id, 1, 20, false) }()

	require.Eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.msgCalls == 1
	}, time.Second, time.Millisecond)

	cancel()
	close(f.api.release)

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Empty(t, f.svc.Messages(id))
	assert.False(t, f.svc.Loaded(id))
}

func TestClose_StopsInboundHandling(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	f.svc.Close()
	f.svc.Close()

	f.transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "hi", "u1-u2", f.clock.Now()))
	assert.Empty(t, f.svc.Rooms())
	assert.Equal(t, ErrServiceClosed, f.svc.LoadHistory(context.Background(), "u1-u2", 1, 20, false))
}

func TestDeliveryConfirmationIsLogOnly(t *testing.T) {
	f := newFixture(t, userSession("u1"))
	id := f.svc.StartConversation("u2", "Jane")
	require.True(t, f.svc.AppendOutbound(id, "hi", ""))

	f.transport.deliver(t, protocol.TypeDeliveryConfirmation, map[string]any{"messageId": 42})

	msgs := f.svc.Messages(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "local-1", msgs[0].ID)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestEventsDeliveredOutsideLock(t *testing.T) {
	sink := &recordingSink{}
	transport := newFakeTransport(connection.StateOpen)
	svc := NewService(identity.NewResolver(userSession("u1")), transport, &fakeAPI{}, Options{Sink: sink})
	defer svc.Close()

	var seen []Event
	unsub := svc.Subscribe(func(ev Event) {
		// 回调中读取快照不会死锁
		_ = svc.Rooms()
		seen = append(seen, ev)
	})
	defer unsub()

	id := svc.StartConversation("u2", "Jane")
	transport.deliver(t, protocol.TypeChatMessage, inbound("m1", "u2", "hi", id, time.Now()))

	require.Len(t, seen, 3)
	assert.Equal(t, EventRooms, seen[0].Kind)
	assert.Equal(t, EventMessages, seen[1].Kind)
	require.NotNil(t, seen[1].Message)
	assert.Equal(t, "m1", seen[1].Message.ID)
	assert.Equal(t, EventRooms, seen[2].Kind)
	assert.Equal(t, 1, seen[2].UnreadTotal)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 3)
}

// 端到端：u1 与 u2 开始会话，发送后服务端回显被去重
func TestScenario_StartSendEcho(t *testing.T) {
	f := newFixture(t, userSession("u1"))

	id := f.svc.StartConversation("u2", "Jane")
	require.Equal(t, "u1-u2", id)

	require.Equal(t, connection.StateOpen, f.svc.ConnectionState())
	require.True(t, f.svc.AppendOutbound(id, "hi", ""))

	msgs := f.svc.Messages(id)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOwn)
	assert.Equal(t, "hi", msgs[0].Body)

	f.transport.deliver(t, protocol.TypeChatMessage, map[string]any{
		"senderId":   "u1",
		"message":    "hi",
		"chatroomId": "u1-u2",
		"createdAt":  f.clock.Now().Add(300 * time.Millisecond).UnixMilli(),
	})

	assert.Len(t, f.svc.Messages(id), 1)
	room, _ := f.svc.Room(id)
	assert.Equal(t, 0, room.UnreadCount)
}
