package chat

import (
	"slices"
	"time"
)

// DefaultDedupWindow 本地回显与服务端广播视为同一条消息的时间窗口
const DefaultDedupWindow = time.Second

// Message 会话中的一条消息
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderUserID   string    `json:"senderUserId"`
	Body           string    `json:"body"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
	IsOwn          bool      `json:"isOwn"`
}

// Store 按会话保存有序消息
// 非并发安全，由 Service 加锁访问
type Store struct {
	messages map[string][]Message
	loaded   map[string]bool
	window   time.Duration
}

// NewStore 创建消息存储，window <= 0 时使用 DefaultDedupWindow
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Store{
		messages: make(map[string][]Message),
		loaded:   make(map[string]bool),
		window:   window,
	}
}

// Ensure 确保会话有一个（可能为空的）消息序列
func (s *Store) Ensure(conversationID string) {
	if _, ok := s.messages[conversationID]; !ok {
		s.messages[conversationID] = []Message{}
	}
}

// Replace 用一页历史整体替换消息序列，按 CreatedAt 升序
func (s *Store) Replace(conversationID string, msgs []Message) {
	seq := slices.Clone(msgs)
	if seq == nil {
		seq = []Message{}
	}
	slices.SortStableFunc(seq, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	s.messages[conversationID] = seq
}

// MarkLoaded 标记历史已加载
func (s *Store) MarkLoaded(conversationID string) {
	s.loaded[conversationID] = true
}

// Loaded 历史是否已加载过
func (s *Store) Loaded(conversationID string) bool {
	return s.loaded[conversationID]
}

// IsDuplicate 相同 ID，或相同内容、相同发送者且时间差小于窗口
func (s *Store) IsDuplicate(m Message) bool {
	for _, existing := range s.messages[m.ConversationID] {
		if m.ID != "" && existing.ID == m.ID {
			return true
		}
		if existing.Body == m.Body &&
			existing.SenderUserID == m.SenderUserID &&
			absDuration(existing.CreatedAt.Sub(m.CreatedAt)) < s.window {
			return true
		}
	}
	return false
}

// Insert 按 CreatedAt 插入，同一时间的消息保持到达顺序
func (s *Store) Insert(m Message) {
	seq := s.messages[m.ConversationID]
	i, _ := slices.BinarySearchFunc(seq, m.CreatedAt, func(e Message, t time.Time) int {
		if e.CreatedAt.After(t) {
			return 1
		}
		return -1
	})
	s.messages[m.ConversationID] = slices.Insert(seq, i, m)
}

// MarkRead 标记会话中对方发来的消息为已读，返回变化条数
func (s *Store) MarkRead(conversationID string) int {
	seq := s.messages[conversationID]
	changed := 0
	for i := range seq {
		if !seq[i].IsOwn && !seq[i].Read {
			seq[i].Read = true
			changed++
		}
	}
	return changed
}

// Messages 复制会话消息
func (s *Store) Messages(conversationID string) []Message {
	return slices.Clone(s.messages[conversationID])
}

// Len 会话消息数
func (s *Store) Len(conversationID string) int {
	return len(s.messages[conversationID])
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
