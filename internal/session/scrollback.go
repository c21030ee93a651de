package session

import "sync"

// scrollback is a bounded byte ring holding the most recent shell
// output, replayed to a client on attach. Overflow drops oldest bytes.
type scrollback struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newScrollback(max int) *scrollback {
	if max <= 0 {
		max = 256 * 1024
	}
	return &scrollback{max: max}
}

func (s *scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.max {
		s.buf = append(s.buf[:0], p[len(p)-s.max:]...)
		return
	}
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - s.max; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

// Snapshot copies the buffered output, oldest bytes first.
func (s *scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

func (s *scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
