// Package chatapi is the HTTP client for the chat listing and history endpoints.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/protocol"
)

const (
	endpointChatrooms = "chatrooms"
	endpointMessages  = "messages"
)

// TokenSource 提供当前访问令牌
type TokenSource interface {
	Token() string
}

// Client 聊天 REST 客户端
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient 创建客户端
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     slog.Default(),
	}
}

// RoomUser 会话对方
type RoomUser struct {
	ID         string
	Name       string
	ProfilePic string
}

// LastMessage 会话最后一条消息
type LastMessage struct {
	Message   string
	CreatedAt time.Time
}

// Room GET /chat/chatrooms 的单条记录
type Room struct {
	ChatroomID  string
	User        RoomUser
	LastMessage *LastMessage
}

type rawRoom struct {
	ChatroomID protocol.FlexString `json:"chatroomId"`
	User       struct {
		ID         protocol.FlexString `json:"id"`
		Name       string              `json:"name"`
		ProfilePic string              `json:"profilePic"`
	} `json:"user"`
	LastMessage *struct {
		Message   string            `json:"message"`
		CreatedAt protocol.FlexTime `json:"createdAt"`
	} `json:"lastMessage"`
}

// UnmarshalJSON 实现 json.Unmarshaler
func (r *Room) UnmarshalJSON(data []byte) error {
	var raw rawRoom
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Room{
		ChatroomID: raw.ChatroomID.String(),
		User: RoomUser{
			ID:         raw.User.ID.String(),
			Name:       raw.User.Name,
			ProfilePic: raw.User.ProfilePic,
		},
	}
	if raw.LastMessage != nil {
		r.LastMessage = &LastMessage{
			Message:   raw.LastMessage.Message,
			CreatedAt: raw.LastMessage.CreatedAt.Time,
		}
	}
	return nil
}

// ListChatrooms 获取当前用户的会话列表，保持服务端顺序
func (c *Client) ListChatrooms(ctx context.Context) ([]Room, error) {
	body, err := c.doRequest(ctx, endpointChatrooms, "/chat/chatrooms", nil)
	if err != nil {
		return nil, err
	}

	var rooms []Room
	if err := decodeList(body, &rooms); err != nil {
		metrics.RESTFailures.WithLabelValues(endpointChatrooms).Inc()
		return nil, err
	}
	return rooms, nil
}

// ListMessages 获取会话的一页历史消息
func (c *Client) ListMessages(ctx context.Context, chatroomID string, page, pageSize int) ([]protocol.Record, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))

	path := "/chat/chatrooms/" + url.PathEscape(chatroomID) + "/messages"
	body, err := c.doRequest(ctx, endpointMessages, path, query)
	if err != nil {
		return nil, err
	}

	var records []protocol.Record
	if err := decodeList(body, &records); err != nil {
		metrics.RESTFailures.WithLabelValues(endpointMessages).Inc()
		return nil, err
	}
	for i := range records {
		if records[i].ChatroomID == "" {
			records[i].ChatroomID = chatroomID
		}
	}
	return records, nil
}

// doRequest 执行 GET 请求并返回响应体
func (c *Client) doRequest(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.RESTRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, appErrors.ErrRequestFailed.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		metrics.RESTFailures.WithLabelValues(endpoint).Inc()
		return nil, appErrors.ErrRequestFailed.Wrap(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RESTFailures.WithLabelValues(endpoint).Inc()
		return nil, appErrors.ErrRequestFailed.Wrap(err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		metrics.RESTFailures.WithLabelValues(endpoint).Inc()
		return nil, appErrors.ErrUnauthorized.Wrap(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		metrics.RESTFailures.WithLabelValues(endpoint).Inc()
		return nil, appErrors.ErrBadStatus.Wrap(fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(respBody)))
	}

	return respBody, nil
}

// maxErrorBody 非 JSON 错误体最多保留的字节数
const maxErrorBody = 200

// errorMessage 从错误响应中取出 message/error，非 JSON 时取正文开头
func errorMessage(body []byte) string {
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return text
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	return errResp.Error
}

// envelope 后端统一响应结构 {code, message, data}
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decodeList 兼容裸数组、{code,message,data} 以及 data 为 {list: [...]} 的响应
func decodeList(body []byte, out any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}

	if body[0] == '{' {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return appErrors.ErrDecodeResponse.Wrap(err)
		}
		if env.Code != 0 && env.Code != http.StatusOK {
			return appErrors.ErrBadStatus.Wrap(fmt.Errorf("code %d: %s", env.Code, env.Message))
		}
		body = bytes.TrimSpace(env.Data)
		if len(body) == 0 || bytes.Equal(body, []byte("null")) {
			return nil
		}
		if body[0] == '{' {
			var wrapped struct {
				List json.RawMessage `json:"list"`
			}
			if err := json.Unmarshal(body, &wrapped); err != nil {
				return appErrors.ErrDecodeResponse.Wrap(err)
			}
			body = wrapped.List
			if len(body) == 0 {
				return nil
			}
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return appErrors.ErrDecodeResponse.Wrap(err)
	}
	return nil
}
