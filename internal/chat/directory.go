package chat

import "time"

// Conversation 一个单聊会话
type Conversation struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"displayName"`
	CounterpartUserID string    `json:"counterpartUserId"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	LastMessageText   string    `json:"lastMessageText,omitempty"`
	LastMessageAt     time.Time `json:"lastMessageAt,omitzero"`
	UnreadCount       int       `json:"unreadCount"`
}

// Directory 会话目录，最近活跃的会话排在前面
// 非并发安全，由 Service 加锁访问
type Directory struct {
	order  []string
	rooms  map[string]*Conversation
	active string
}

// NewDirectory 创建空目录
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*Conversation)}
}

// Replace 整体替换目录，保持传入顺序
func (d *Directory) Replace(convs []Conversation) {
	d.order = make([]string, 0, len(convs))
	d.rooms = make(map[string]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if _, dup := d.rooms[c.ID]; dup {
			continue
		}
		d.order = append(d.order, c.ID)
		d.rooms[c.ID] = &c
	}
}

// Get 查找会话
func (d *Directory) Get(id string) (Conversation, bool) {
	c, ok := d.rooms[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Has 会话是否存在
func (d *Directory) Has(id string) bool {
	_, ok := d.rooms[id]
	return ok
}

// Prepend 新会话插入到最前；已存在时不做任何事并返回 false
func (d *Directory) Prepend(c Conversation) bool {
	if d.Has(c.ID) {
		return false
	}
	d.order = append([]string{c.ID}, d.order...)
	d.rooms[c.ID] = &c
	return true
}

// ApplyInbound 收到消息：更新预览，按需增加未读，并把会话移到最前
func (d *Directory) ApplyInbound(id, text string, at time.Time, countUnread bool) bool {
	c, ok := d.rooms[id]
	if !ok {
		return false
	}
	c.LastMessageText = text
	c.LastMessageAt = at
	if countUnread {
		c.UnreadCount++
	}
	d.moveToFront(id)
	return true
}

// ApplyOutbound 发送消息：只更新预览，未读数不变
func (d *Directory) ApplyOutbound(id, text string, at time.Time) bool {
	c, ok := d.rooms[id]
	if !ok {
		return false
	}
	c.LastMessageText = text
	c.LastMessageAt = at
	d.moveToFront(id)
	return true
}

// SetActive 设置当前打开的会话并清零其未读，id 为空表示没有打开的会话
func (d *Directory) SetActive(id string) {
	d.active = id
	d.MarkRead(id)
}

// Active 当前打开的会话
func (d *Directory) Active() string {
	return d.active
}

// MarkRead 清零未读，返回是否有变化
func (d *Directory) MarkRead(id string) bool {
	c, ok := d.rooms[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// Snapshot 按展示顺序复制会话列表
func (d *Directory) Snapshot() []Conversation {
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.rooms[id])
	}
	return out
}

// TotalUnread 所有会话未读之和
func (d *Directory) TotalUnread() int {
	total := 0
	for _, c := range d.rooms {
		total += c.UnreadCount
	}
	return total
}

// Len 会话数量
func (d *Directory) Len() int {
	return len(d.order)
}

func (d *Directory) moveToFront(id string) {
	for i, cur := range d.order {
		if cur != id {
			continue
		}
		if i == 0 {
			return
		}
		copy(d.order[1:i+1], d.order[:i])
		d.order[0] = id
		return
	}
}
