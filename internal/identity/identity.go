// Package identity resolves the caller's own user id from the injected local
// session and derives order-independent conversation ids.
package identity

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ConversationSeparator 会话 ID 分隔符
const ConversationSeparator = "-"

// idClaims 按顺序尝试读取的 token 声明名
var idClaims = []string{"userId", "user_id", "id", "sub"}

// User 本地持久化的当前用户记录
type User struct {
	UserID string `json:"userId" yaml:"user_id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Avatar string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
}

// UnmarshalJSON 兼容数字 ID 以及旧字段 id
func (u *User) UnmarshalJSON(data []byte) error {
	var aux struct {
		UserID json.RawMessage `json:"userId"`
		ID     json.RawMessage `json:"id"`
		Name   string          `json:"name"`
		Avatar string          `json:"avatar"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Name = aux.Name
	u.Avatar = aux.Avatar
	u.UserID = rawID(aux.UserID)
	if u.UserID == "" {
		u.UserID = rawID(aux.ID)
	}
	return nil
}

// Session 注入给聊天子系统的本地会话上下文（只读）
type Session struct {
	User        *User  `json:"user,omitempty" yaml:"user,omitempty"`
	AccessToken string `json:"accessToken,omitempty" yaml:"access_token,omitempty"`
}

// Resolver 当前用户身份解析器
type Resolver struct {
	session Session
}

// NewResolver 创建解析器，session 为已经加载好的本地状态
func NewResolver(session Session) *Resolver {
	return &Resolver{session: session}
}

// Session 返回注入的会话
func (r *Resolver) Session() Session {
	return r.session
}

// Token 返回 bearer access token
func (r *Resolver) Token() string {
	return r.session.AccessToken
}

// CurrentUserID 解析当前用户 ID
// 先读用户记录，再退回到不验签解码 token payload
func (r *Resolver) CurrentUserID() (string, bool) {
	if u := r.session.User; u != nil {
		if id := strings.TrimSpace(u.UserID); id != "" {
			return id, true
		}
	}
	return UserIDFromToken(r.session.AccessToken)
}

// UserIDFromToken 从 token payload 中读取用户 ID（不验证签名）
func UserIDFromToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", false
	}

	parser := jwt.NewParser(jwt.WithJSONNumber())
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	// 缺少或未知 alg 时声明已解析，只是无法验签
	if err != nil && !(errors.Is(err, jwt.ErrTokenUnverifiable) && parsed != nil) {
		return "", false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}

	for _, name := range idClaims {
		if id := claimString(claims[name]); id != "" {
			return id, true
		}
	}
	return "", false
}

// ConversationID 由两个参与者 ID 生成与顺序无关的会话 ID
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ConversationSeparator)
}

// Counterpart 从会话 ID 中取出非自己的一半，无法判断时返回整个 ID
func Counterpart(conversationID, ownID string) string {
	if ownID == "" {
		return conversationID
	}
	if rest, ok := strings.CutPrefix(conversationID, ownID+ConversationSeparator); ok && rest != "" {
		return rest
	}
	if rest, ok := strings.CutSuffix(conversationID, ConversationSeparator+ownID); ok && rest != "" {
		return rest
	}
	return conversationID
}

func claimString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
