package session

import (
	"io"
	"net"
	"sync"
)

// chunkSize is the read buffer size for both pump directions. Chunk
// boundaries carry no meaning; peers may fragment arbitrarily.
const chunkSize = 32 * 1024

// bridge pairs one duplex client connection with a session's pty. The
// session relay pushes output out through writeConn; the bridge's own
// goroutine pumps inbound bytes into the pty. A bridge never outlives
// the connection it was built for.
type bridge struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool

	// done is closed after the inbound pump has fully stopped.
	done chan struct{}
}

func newBridge(conn net.Conn) *bridge {
	return &bridge{conn: conn, done: make(chan struct{})}
}

// runInbound pumps connection bytes into dst until either side fails,
// then calls onEnd. done closes before onEnd runs, so a teardown
// waiting on done under the session guard cannot deadlock against
// bookkeeping that needs the same guard.
func (b *bridge) runInbound(dst io.Writer, onEnd func()) {
	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, err := b.conn.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		b.closeConn()
		close(b.done)
		onEnd()
	}()
}

// writeConn forwards one output chunk to the client. The closed flag
// is checked under the lock but the write itself runs outside it, so
// closeConn stays callable while a slow write is in flight.
func (b *bridge) writeConn(p []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	_, err := b.conn.Write(p)
	return err
}

// closeConn closes the client connection exactly once.
func (b *bridge) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.conn.Close()
	}
}

// stop closes the connection and waits for the inbound pump to end.
// Once stop returns no bytes flow in either direction.
func (b *bridge) stop() {
	b.closeConn()
	<-b.done
}
