package connection

import "sync"

// Lease 一个使用方对共享连接的引用
// 第一个 Lease 建立连接，最后一个 Lease 释放时关闭连接
type Lease struct {
	m      *Manager
	once   sync.Once
	mu     sync.Mutex
	unsubs []func()
}

// Acquire 获取共享连接的引用
func (m *Manager) Acquire(token string) *Lease {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()

	m.Connect(token)
	return &Lease{m: m}
}

// Refs 当前引用数
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// State 连接状态
func (l *Lease) State() State {
	return l.m.State()
}

// Send 发送一帧
func (l *Lease) Send(frameType string, payload any) error {
	return l.m.Send(frameType, payload)
}

// Subscribe 订阅下行帧，Release 时自动取消
func (l *Lease) Subscribe(frameType string, handler Handler) func() {
	unsub := l.m.Subscribe(frameType, handler)

	l.mu.Lock()
	l.unsubs = append(l.unsubs, unsub)
	l.mu.Unlock()
	return unsub
}

// Release 释放引用，可重复调用
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		unsubs := l.unsubs
		l.unsubs = nil
		l.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}

		m := l.m
		m.mu.Lock()
		m.refs--
		last := m.refs == 0
		m.mu.Unlock()

		if last {
			m.logger.Info("Last lease released, closing chat socket")
			m.Close()
		}
	})
}
