package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/identity"
)

const (
	// sessionKeyPrefix 客户端会话前缀: im:client:session:{profile} -> Hash{user, access_token}
	sessionKeyPrefix = "im:client:session:"
	// tokenInfoPrefix 登录服务写入的 Token 信息前缀: token:info:{accessToken} -> userInfo JSON
	tokenInfoPrefix = "token:info:"
)

// tokenInfo 登录服务写入 Redis 的用户信息
type tokenInfo struct {
	UserID   json.Number `json:"user_id"`
	Username string      `json:"username"`
	Nickname string      `json:"nickname"`
	Avatar   string      `json:"avatar"`
}

// RedisStore 基于 Redis 的会话存储，多个本地进程共享同一会话
type RedisStore struct {
	rdb     *redis.Client
	profile string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRedisStore 创建 Redis 会话存储，ttl <= 0 表示不过期
func NewRedisStore(rdb *redis.Client, profile string, ttl time.Duration) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{
		rdb:     rdb,
		profile: profile,
		ttl:     ttl,
		logger:  slog.Default(),
	}
}

// BuildSessionKey 构建会话 Key: im:client:session:{profile}
func BuildSessionKey(profile string) string {
	return sessionKeyPrefix + profile
}

// BuildTokenInfoKey 构建 Token 信息 Key: token:info:{accessToken}
func BuildTokenInfoKey(accessToken string) string {
	return tokenInfoPrefix + accessToken
}

// Load 读取会话；只有 token 时尝试用 token:info 补全用户记录
func (s *RedisStore) Load(ctx context.Context) (identity.Session, error) {
	data, err := s.rdb.HGetAll(ctx, BuildSessionKey(s.profile)).Result()
	if err != nil {
		return identity.Session{}, fmt.Errorf("load session: %w", err)
	}
	if len(data) == 0 {
		return identity.Session{}, ErrNoSession
	}

	sess := identity.Session{AccessToken: data["access_token"]}
	if raw := data["user"]; raw != "" {
		var u identity.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return identity.Session{}, appErrors.ErrSessionCorrupt.Wrap(err)
		}
		sess.User = &u
	}

	if (sess.User == nil || sess.User.UserID == "") && sess.AccessToken != "" {
		u, err := s.lookupTokenInfo(ctx, sess.AccessToken)
		if err != nil {
			s.logger.Warn("Failed to lookup token info", "error", err)
		} else if u != nil {
			sess.User = u
		}
	}

	return sess, nil
}

// lookupTokenInfo 读取 token:info:{accessToken}，不存在返回 nil
func (s *RedisStore) lookupTokenInfo(ctx context.Context, accessToken string) (*identity.User, error) {
	raw, err := s.rdb.Get(ctx, BuildTokenInfoKey(accessToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info tokenInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token info: %w", err)
	}
	if info.UserID.String() == "" {
		return nil, nil
	}

	name := info.Nickname
	if name == "" {
		name = info.Username
	}
	return &identity.User{UserID: info.UserID.String(), Name: name, Avatar: info.Avatar}, nil
}

// Save 写入会话
func (s *RedisStore) Save(ctx context.Context, sess identity.Session) error {
	key := BuildSessionKey(s.profile)

	fields := []any{"access_token", sess.AccessToken}
	if sess.User != nil {
		userJSON, err := json.Marshal(sess.User)
		if err != nil {
			return appErrors.ErrSessionWrite.Wrap(err)
		}
		fields = append(fields, "user", string(userJSON))
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return appErrors.ErrSessionWrite.Wrap(err)
	}
	return nil
}

// Clear 删除会话
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, BuildSessionKey(s.profile)).Err()
}
