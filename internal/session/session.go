package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shellgate/shellgate/internal/pty"
)

// Status is a session's lifecycle state. Terminated is absorbing.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusDetached   Status = "detached"
	StatusTerminated Status = "terminated"
)

// Info is the JSON snapshot of one session.
type Info struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAttachedAt *time.Time `json:"last_attached_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
}

// Session owns one shell process and its pty for the session's whole
// lifetime. Bridges only borrow access to the pty; the mutation guard
// serializes attach, detach and termination, and is the only lock ever
// held across a bridge teardown.
type Session struct {
	ID        string
	CreatedAt time.Time

	proc   *pty.Proc
	scroll *scrollback
	record func(event, detail string)

	mu         sync.Mutex
	status     Status
	br         *bridge
	lastAttach time.Time
	endedAt    time.Time
}

func newSession(id string, proc *pty.Proc, scrollbackBytes int, record func(event, detail string)) *Session {
	if record == nil {
		record = func(string, string) {}
	}
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		proc:      proc,
		scroll:    newScrollback(scrollbackBytes),
		record:    record,
		status:    StatusCreated,
	}
}

// start launches the output relay and the exit watcher.
func (s *Session) start() {
	go s.relay()
	go s.watch()
}

// relay is the single reader of the pty for the session's lifetime.
// Every chunk lands in the scrollback and goes out to whichever bridge
// is installed at that moment; while detached, output accumulates in
// the scrollback only.
func (s *Session) relay() {
	buf := make([]byte, chunkSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// deliver appends one chunk to the scrollback and forwards it to the
// current bridge. Append and bridge selection share one critical
// section so an attach replay never misses or duplicates a chunk on
// the new connection.
func (s *Session) deliver(p []byte) {
	s.mu.Lock()
	s.scroll.Write(p)
	br := s.br
	s.mu.Unlock()

	if br == nil {
		return
	}
	if err := br.writeConn(p); err != nil {
		// Broken client connection. Close it; the inbound pump's end
		// hook does the detach bookkeeping.
		br.closeConn()
	}
}

// watch drives the session to Terminated once the shell exits, however
// it exits.
func (s *Session) watch() {
	<-s.proc.Done()
	s.terminate("exited", fmt.Sprintf("exit code %d", s.proc.ExitCode()))
}

// attach implements last-attach-wins: any installed bridge is fully
// stopped, the scrollback is replayed, and only then does the new
// bridge go live. The whole sequence holds the mutation guard, so
// concurrent attaches serialize and each one sees a clean handoff.
// The returned channel closes when this connection's bridge ends.
func (s *Session) attach(conn net.Conn) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusTerminated {
		return nil, ErrNotFound
	}

	if old := s.br; old != nil {
		s.br = nil
		old.stop()
	}

	// Replay in pump-sized pieces; one huge message would trip
	// conservative read limits on the other end.
	snap := s.scroll.Snapshot()
	for off := 0; off < len(snap); off += chunkSize {
		end := off + chunkSize
		if end > len(snap) {
			end = len(snap)
		}
		if _, err := conn.Write(snap[off:end]); err != nil {
			conn.Close()
			if s.status == StatusActive {
				s.status = StatusDetached
			}
			return nil, fmt.Errorf("replay scrollback: %w", err)
		}
	}

	br := newBridge(conn)
	br.runInbound(s.proc, func() { s.bridgeEnded(br) })
	s.br = br
	s.status = StatusActive
	s.lastAttach = time.Now()
	s.record("attached", conn.RemoteAddr().String())
	return br.done, nil
}

// detach tears down the current bridge, if any. The shell keeps
// running. Idempotent.
func (s *Session) detach() {
	s.mu.Lock()
	br := s.br
	s.br = nil
	if br != nil && s.status == StatusActive {
		s.status = StatusDetached
	}
	s.mu.Unlock()

	if br != nil {
		br.stop()
		s.record("detached", "")
	}
}

// bridgeEnded runs after a bridge's inbound pump stops on its own,
// because the client went away or the pty rejected a write.
func (s *Session) bridgeEnded(br *bridge) {
	s.mu.Lock()
	current := s.br == br
	if current {
		s.br = nil
		if s.status == StatusActive {
			s.status = StatusDetached
		}
	}
	s.mu.Unlock()

	if current {
		s.record("detached", "connection closed")
	}
}

// terminate moves the session to its absorbing state, tearing down any
// bridge and releasing the pty. Both the stop path and the exit
// watcher land here; only the first caller does the work.
func (s *Session) terminate(event, detail string) {
	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.status = StatusTerminated
	s.endedAt = time.Now()
	br := s.br
	s.br = nil
	s.mu.Unlock()

	if br != nil {
		br.stop()
	}
	s.proc.Close()
	s.record(event, detail)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{ID: s.ID, Status: s.status, CreatedAt: s.CreatedAt}
	if !s.lastAttach.IsZero() {
		la := s.lastAttach
		info.LastAttachedAt = &la
	}
	if s.status == StatusTerminated {
		if code := s.proc.ExitCode(); code >= 0 {
			info.ExitCode = &code
		}
	}
	return info
}

// endedBefore reports whether the session terminated before t.
func (s *Session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusTerminated && !s.endedAt.IsZero() && s.endedAt.Before(t)
}
