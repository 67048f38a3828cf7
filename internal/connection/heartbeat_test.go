package connection

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeConn 只记录是否关闭
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("not implemented") }
func (f *fakeConn) WriteMessage(int, []byte) error     { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error   { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestHeartbeatChecker_Check(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket(conn, time.Second, slog.Default())
	defer sock.Close()

	timedOut := false
	h := newHeartbeatChecker(sock, time.Minute, 0, slog.Default(), func() { timedOut = true })
	assert.Equal(t, 20*time.Second, h.checkInterval)

	assert.False(t, h.check(time.Now().Add(30*time.Second)))
	assert.False(t, conn.isClosed())

	assert.True(t, h.check(time.Now().Add(2*time.Minute)))
	assert.True(t, timedOut)
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, sock.send([]byte("x")), ErrConnectionGone)
}

func TestHeartbeatChecker_Defaults(t *testing.T) {
	sock := newSocket(&fakeConn{}, time.Second, slog.Default())
	defer sock.Close()

	h := newHeartbeatChecker(sock, 0, 0, slog.Default(), nil)
	assert.Equal(t, 90*time.Second, h.timeout)
	assert.Equal(t, 30*time.Second, h.checkInterval)
}
