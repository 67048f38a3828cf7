// Package connection owns the single shared chat socket: dialing with the
// access token, dispatching inbound frames by type, answering server pings,
// and reconnecting with exponential backoff after an unexpected close.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	appErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/protocol"
)

// State 连接状态
type State int32

const (
	StateUninstantiated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninstantiated:
		return "uninstantiated"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler 处理某一类型帧的 payload
type Handler func(payload json.RawMessage)

// BackoffOptions 重连退避参数
type BackoffOptions struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int // 0 表示不限次数
}

// Options 连接管理参数
type Options struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatTimeout  time.Duration // <= 0 关闭静默检测
	HeartbeatInterval time.Duration
	Backoff           BackoffOptions
}

// Manager 管理共享的聊天连接
type Manager struct {
	opts   Options
	dialer Dialer
	logger *slog.Logger
	state  atomic.Int32

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	sock   *socket
	refs   int

	subMu          sync.RWMutex
	nextID         uint64
	handlers       map[string]map[uint64]Handler
	stateListeners map[uint64]func(State)
}

// NewManager 创建连接管理器，dialer 为 nil 时使用 gorilla/websocket
func NewManager(opts Options, dialer Dialer) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		opts:           opts,
		dialer:         dialer,
		logger:         slog.Default(),
		handlers:       make(map[string]map[uint64]Handler),
		stateListeners: make(map[uint64]func(State)),
	}
}

// State 当前连接状态
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connect 以 token 建立连接；相同 token 已在运行时直接复用
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.cancel != nil && m.token == token {
		m.mu.Unlock()
		return
	}
	running := m.cancel != nil
	m.mu.Unlock()

	if running {
		m.logger.Info("Access token changed, restarting socket")
		m.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.token = token
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.run(ctx, token)

		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
			m.token = ""
		}
		m.mu.Unlock()
		cancel()
	}()
}

// Close 停止重连并关闭连接
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done, m.token = nil, nil, ""
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	m.setState(StateClosing)
	cancel()
	<-done
	m.setState(StateClosed)
}

// Send 编码并发送一帧；连接未打开时丢弃并返回 ErrNotConnected
func (m *Manager) Send(frameType string, payload any) error {
	if m.State() != StateOpen {
		return ErrNotConnected
	}

	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		return appErrors.ErrEncodeFrame.Wrap(err)
	}
	if err := sock.send(data); err != nil {
		return err
	}

	metrics.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}

// Subscribe 订阅某类型的下行帧，返回取消函数
// handler 在读协程中同步调用
func (m *Manager) Subscribe(frameType string, handler Handler) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	id := m.nextID
	if m.handlers[frameType] == nil {
		m.handlers[frameType] = make(map[uint64]Handler)
	}
	m.handlers[frameType][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.handlers[frameType], id)
			if len(m.handlers[frameType]) == 0 {
				delete(m.handlers, frameType)
			}
		})
	}
}

// OnStateChange 监听状态变化，返回取消函数
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	id := m.nextID
	m.stateListeners[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.stateListeners, id)
	}
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev == s {
		return
	}

	if s == StateOpen {
		metrics.ConnectionOpen.Set(1)
	} else if prev == StateOpen {
		metrics.ConnectionOpen.Set(0)
	}
	m.logger.Debug("Connection state changed", "from", prev.String(), "to", s.String())

	m.subMu.RLock()
	listeners := make([]func(State), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// run 连接循环：拨号、服务、断开后按退避重连
func (m *Manager) run(ctx context.Context, token string) {
	b := m.newBackOff(ctx)
	target := m.endpoint(token)

	for {
		m.setState(StateConnecting)

		conn, err := m.dialer.Dial(ctx, target)
		if err == nil {
			b.Reset()
			m.serve(ctx, newSocket(conn, m.opts.WriteTimeout, m.logger))
		} else if ctx.Err() == nil {
			m.logger.Warn("Failed to dial chat socket", "error", appErrors.ErrDialFailed.Wrap(err))
		}

		if ctx.Err() != nil {
			return
		}
		m.setState(StateClosed)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			m.logger.Error("Giving up reconnecting chat socket", "max_attempts", m.opts.Backoff.MaxAttempts)
			return
		}

		m.logger.Info("Reconnecting chat socket", "wait", wait)
		metrics.Reconnects.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve 服务一条物理连接直到断开
func (m *Manager) serve(ctx context.Context, sock *socket) {
	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, sock.Close)
	defer stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if m.opts.HeartbeatTimeout > 0 {
		checker := newHeartbeatChecker(sock, m.opts.HeartbeatTimeout, m.opts.HeartbeatInterval, m.logger, nil)
		go checker.Start(watchCtx)
	}

	m.logger.Info("Chat socket open", "socket_id", sock.ID())
	m.setState(StateOpen)

	m.readLoop(sock)

	m.mu.Lock()
	if m.sock == sock {
		m.sock = nil
	}
	m.mu.Unlock()
	sock.Close()
}

func (m *Manager) readLoop(sock *socket) {
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if !sock.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.logger.Warn("Chat socket closed unexpectedly", "socket_id", sock.ID(), "error", err)
			}
			return
		}
		sock.touch()
		m.dispatch(sock, data)
	}
}

// dispatch 按 type 分发下行帧
func (m *Manager) dispatch(sock *socket, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		m.logger.Warn("Failed to decode frame", "error", err, "size", len(data))
		return
	}
	metrics.FramesReceived.WithLabelValues(env.Type).Inc()

	if env.Type == protocol.TypePing {
		m.replyPong(sock)
	}

	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.handlers[env.Type]))
	for _, h := range m.handlers[env.Type] {
		handlers = append(handlers, h)
	}
	m.subMu.RUnlock()

	if len(handlers) == 0 && env.Type != protocol.TypePing {
		m.logger.Debug("Ignoring frame", "type", env.Type)
		return
	}
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (m *Manager) replyPong(sock *socket) {
	data, err := protocol.Encode(protocol.TypePong, protocol.NewPong(time.Now()))
	if err != nil {
		m.logger.Error("Failed to encode pong", "error", err)
		return
	}
	if err := sock.send(data); err != nil && !errors.Is(err, ErrConnectionGone) {
		m.logger.Warn("Failed to send pong", "error", err)
		return
	}
	metrics.FramesSent.WithLabelValues(protocol.TypePong).Inc()
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if m.opts.Backoff.InitialInterval > 0 {
		eb.InitialInterval = m.opts.Backoff.InitialInterval
	}
	if m.opts.Backoff.MaxInterval > 0 {
		eb.MaxInterval = m.opts.Backoff.MaxInterval
	}
	if m.opts.Backoff.Multiplier > 0 {
		eb.Multiplier = m.opts.Backoff.Multiplier
	}
	eb.RandomizationFactor = m.opts.Backoff.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if m.opts.Backoff.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(m.opts.Backoff.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

// endpoint 拼接带 token 查询参数的地址
func (m *Manager) endpoint(token string) string {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return m.opts.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
