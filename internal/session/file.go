package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	appErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/identity"
)

// ErrNoSession 本地没有会话
var ErrNoSession = appErrors.ErrNoSession

// fileSession 文件中的会话格式
type fileSession struct {
	User        *identity.User `yaml:"user,omitempty"`
	AccessToken string         `yaml:"access_token,omitempty"`
}

// FileStore 基于 YAML 文件的会话存储
type FileStore struct {
	path string
}

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path 返回文件路径
func (s *FileStore) Path() string {
	return s.path
}

// Load 读取会话文件
func (s *FileStore) Load(_ context.Context) (identity.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return identity.Session{}, ErrNoSession
		}
		return identity.Session{}, fmt.Errorf("read session file: %w", err)
	}

	var fs fileSession
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return identity.Session{}, appErrors.ErrSessionCorrupt.Wrap(err)
	}
	if fs.User == nil && fs.AccessToken == "" {
		return identity.Session{}, ErrNoSession
	}

	return identity.Session{User: fs.User, AccessToken: fs.AccessToken}, nil
}

// Save 写入会话文件（0600）
func (s *FileStore) Save(_ context.Context, sess identity.Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return appErrors.ErrSessionWrite.Wrap(err)
	}

	data, err := yaml.Marshal(fileSession{User: sess.User, AccessToken: sess.AccessToken})
	if err != nil {
		return appErrors.ErrSessionWrite.Wrap(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return appErrors.ErrSessionWrite.Wrap(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return appErrors.ErrSessionWrite.Wrap(err)
	}
	return nil
}

// Clear 删除会话文件
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return appErrors.ErrSessionWrite.Wrap(err)
	}
	return nil
}
