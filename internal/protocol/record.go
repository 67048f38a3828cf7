package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexString 兼容字符串或数字形式的 ID
type FlexString string

// UnmarshalJSON 实现 json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexTime 兼容 RFC3339 字符串与毫秒/秒时间戳
// 无法识别的值解析为零值，由调用方补当前时间
type FlexTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON 实现 json.Unmarshaler
func (f *FlexTime) UnmarshalJSON(data []byte) error {
	f.Time = parseFlexTime(bytes.TrimSpace(data))
	return nil
}

func parseFlexTime(data []byte) time.Time {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return time.Time{}
	}
	if data[0] != '"' {
		return parseEpoch(string(data))
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t := parseEpoch(s); !t.IsZero() {
		return t
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseEpoch 解析整数或小数形式的时间戳，失败返回零值
func parseEpoch(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(int64(f))
	}
	return time.Time{}
}

// FlexBool 兼容布尔、数字与字符串形式的标志位
type FlexBool bool

// UnmarshalJSON 实现 json.Unmarshaler，无法识别时为 false
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "y":
		*b = true
	default:
		*b = false
	}
	return nil
}

// fromEpoch 大于 1e12 视为毫秒，否则视为秒
func fromEpoch(n int64) time.Time {
	if n > 1_000_000_000_000 || n < -1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// Record 统一后的消息记录
// 下行 chat.message 与 REST 历史消息都在边界处转换成这一种形状
type Record struct {
	ID         string
	ChatroomID string
	SenderID   string
	Body       string
	FileURL    string
	Kind       string
	CreatedAt  time.Time
	Read       bool
}

// rawRecord 各种历史载荷字段的并集
type rawRecord struct {
	MessageID       FlexString `json:"messageId"`
	ID              FlexString `json:"id"`
	SenderID        FlexString `json:"senderId"`
	FromUserID      FlexString `json:"fromUserId"`
	FromUserIDSnake FlexString `json:"from_user_id"`
	UserID          FlexString `json:"userId"`
	Message         string     `json:"message"`
	ChatroomID      FlexString `json:"chatroomId"`
	CreatedAt       FlexTime   `json:"createdAt"`
	FileURL         string     `json:"fileUrl"`
	Type            string     `json:"type"`
	IsRead          FlexBool   `json:"isRead"`
}

// UnmarshalJSON 把所有历史字段名映射到 Record
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Record{
		ID:         firstNonEmpty(raw.MessageID, raw.ID),
		ChatroomID: raw.ChatroomID.String(),
		SenderID:   firstNonEmpty(raw.SenderID, raw.FromUserID, raw.FromUserIDSnake, raw.UserID),
		Body:       raw.Message,
		FileURL:    strings.TrimSpace(raw.FileURL),
		Kind:       raw.Type,
		CreatedAt:  raw.CreatedAt.Time,
		Read:       bool(raw.IsRead),
	}
	return nil
}

// ParseRecord 解析单条消息载荷
func ParseRecord(payload []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(payload, &r)
	return r, err
}

func firstNonEmpty(values ...FlexString) string {
	for _, v := range values {
		if v != "" {
			return v.String()
		}
	}
	return ""
}
