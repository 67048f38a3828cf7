// Package session persists the local "current user" record and bearer token
// that the chat core reads through identity.Session.
package session

import (
	"context"

	"sudooom.im.client/internal/identity"
)

// Store 本地会话存储接口
type Store interface {
	Load(ctx context.Context) (identity.Session, error)
	Save(ctx context.Context, sess identity.Session) error
	Clear(ctx context.Context) error
}

// Memory 内存会话存储（测试与一次性命令行使用）
type Memory struct {
	sess  identity.Session
	saved bool
}

// NewMemory 创建内存存储
func NewMemory(sess identity.Session) *Memory {
	return &Memory{sess: sess, saved: true}
}

func (m *Memory) Load(_ context.Context) (identity.Session, error) {
	if !m.saved {
		return identity.Session{}, ErrNoSession
	}
	return m.sess, nil
}

func (m *Memory) Save(_ context.Context, sess identity.Session) error {
	m.sess = sess
	m.saved = true
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.sess = identity.Session{}
	m.saved = false
	return nil
}
