// Package protocol defines the JSON frames exchanged over the chat socket and
// the normalization of every historical message shape into one Record.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// 帧类型
const (
	// 上行
	TypeChatSend       = "chat.send"
	TypeHistoryRequest = "chat.history.request"
	TypePong           = "pong"

	// 下行
	TypeChatMessage          = "chat.message"
	TypeDeliveryConfirmation = "chat.delivery.confirmation"
	TypePing                 = "ping"
)

// Envelope 帧封装 {type, payload}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode 编码帧
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return json.Marshal(Envelope{Type: frameType, Payload: raw})
}

// Decode 解码帧
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return &env, nil
}

// ChatSend chat.send 载荷
type ChatSend struct {
	Message    string `json:"message"`
	ChatroomID string `json:"chatroomId"`
	FileURL    string `json:"fileUrl,omitempty"`
}

// HistoryRequest chat.history.request 载荷
type HistoryRequest struct {
	ChatroomID string `json:"chatroomId"`
	Limit      int    `json:"limit"`
}

// Pong pong 载荷
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// NewPong 以当前时间构造 pong
func NewPong(now time.Time) Pong {
	return Pong{Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

// DeliveryConfirmation chat.delivery.confirmation 载荷
type DeliveryConfirmation struct {
	MessageID FlexString `json:"messageId"`
}
