package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appErrors "sudooom.im.client/internal/errors"
)

var (
	ErrNotConnected   = appErrors.ErrNotConnected
	ErrConnectionGone = appErrors.ErrConnectionGone
)

// Conn 底层 WebSocket 连接
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer 建立底层连接，测试中可替换
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer 基于 gorilla/websocket 的默认 Dialer
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial 实现 Dialer
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var socketIDCounter int64

// socket 一条物理连接，写入通过 writeLoop 串行化
type socket struct {
	id           int64
	conn         Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	writeChan    chan []byte
	closeChan    chan struct{}
	closeOnce    sync.Once
	lastActive   atomic.Int64
	createTime   time.Time
}

func newSocket(conn Conn, writeTimeout time.Duration, logger *slog.Logger) *socket {
	s := &socket{
		id:           atomic.AddInt64(&socketIDCounter, 1),
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		writeChan:    make(chan []byte, 256),
		closeChan:    make(chan struct{}),
		createTime:   time.Now(),
	}
	s.touch()
	go s.writeLoop()
	return s
}

func (s *socket) ID() int64 {
	return s.id
}

// send 入队一帧，连接关闭后返回 ErrConnectionGone
func (s *socket) send(data []byte) error {
	select {
	case <-s.closeChan:
		return ErrConnectionGone
	default:
	}
	select {
	case s.writeChan <- data:
		return nil
	case <-s.closeChan:
		return ErrConnectionGone
	}
}

func (s *socket) writeLoop() {
	for {
		select {
		case data := <-s.writeChan:
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error("Failed to write frame", "socket_id", s.id, "error", err)
				s.Close()
				return
			}
		case <-s.closeChan:
			return
		}
	}
}

// Close 关闭连接，可重复调用
func (s *socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
}

func (s *socket) closed() bool {
	select {
	case <-s.closeChan:
		return true
	default:
		return false
	}
}

func (s *socket) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime 最近一次收到数据的时间
func (s *socket) LastActiveTime() time.Time {
	return time.Unix(0, s.lastActive.Load())
}
