package session

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/pty"
)

var (
	// ErrNotFound covers unknown ids and sessions whose shell has
	// already terminated.
	ErrNotFound = errors.New("session not found")
	// ErrSessionLimit is returned by Create once MaxSessions is
	// reached.
	ErrSessionLimit = errors.New("session limit reached")
)

// Recorder receives session lifecycle events. Implementations must be
// safe for concurrent use. A nil Recorder disables recording.
type Recorder interface {
	Record(sessionID, event, detail string)
}

// Config bundles the knobs for a Registry and its sessions.
type Config struct {
	Shell      string
	LoginShell bool
	Rows       uint16
	Cols       uint16
	WorkDir    string

	// MaxSessions caps concurrent sessions; zero means uncapped.
	MaxSessions     int
	ScrollbackBytes int
	// StopGrace is the SIGTERM to SIGKILL window used by Stop and
	// DrainAll.
	StopGrace time.Duration

	Recorder Recorder
}

// Registry owns every live session. It is constructed explicitly and
// handed to whoever needs it. The map lock covers lookups and map
// mutations only; pty and connection I/O always happen outside it.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config) *Registry {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) recordEvent(id, event, detail string) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.Record(id, event, detail)
	}
}

// Create spawns a fresh shell and registers it under a new id. When
// the spawn fails no entry is left behind.
func (r *Registry) Create() (*Session, error) {
	if r.capReached() {
		return nil, ErrSessionLimit
	}

	proc, err := pty.Spawn(pty.SpawnConfig{
		Shell: r.cfg.Shell,
		Login: r.cfg.LoginShell,
		Rows:  r.cfg.Rows,
		Cols:  r.cfg.Cols,
		Dir:   r.cfg.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	id := uuid.New().String()
	s := newSession(id, proc, r.cfg.ScrollbackBytes, func(event, detail string) {
		r.recordEvent(id, event, detail)
	})

	r.mu.Lock()
	// Re-check: concurrent creates may have filled the cap while the
	// shell was starting.
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		proc.Terminate(0)
		proc.Close()
		return nil, ErrSessionLimit
	}
	r.sessions[id] = s
	r.mu.Unlock()

	s.start()
	s.record("created", "")
	log.Printf("Session %s created (pid %d)", id, proc.Pid())
	return s, nil
}

func (r *Registry) capReached() bool {
	if r.cfg.MaxSessions <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) >= r.cfg.MaxSessions
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List snapshots every known session, oldest first.
func (r *Registry) List() []Info {
	snapshot := r.snapshot()
	infos := make([]Info, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Attach hands the connection to the session, displacing any previous
// one (last attach wins). The returned channel closes once this
// connection's bridge has fully ended.
func (r *Registry) Attach(id string, conn net.Conn) (<-chan struct{}, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.attach(conn)
}

// Detach disconnects the session's current client, if any. The shell
// keeps running.
func (r *Registry) Detach(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.detach()
	return nil
}

// Stop terminates the session's shell and removes the entry. A repeat
// Stop of the same id reports ErrNotFound; the outcome is stable.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if s.Status() == StatusTerminated {
		// The shell was already gone and the entry only awaited
		// sweep. Report it like any other unknown id.
		return ErrNotFound
	}

	s.proc.Terminate(r.cfg.StopGrace)
	s.terminate("stopped", "")
	log.Printf("Session %s stopped", id)
	return nil
}

// SweepTerminated drops sessions that terminated on their own more
// than age ago. Stopped sessions leave the map immediately in Stop;
// this reaps shells that exited without one.
func (r *Registry) SweepTerminated(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	var stale []string
	for _, s := range r.snapshot() {
		if s.endedBefore(cutoff) {
			stale = append(stale, s.ID)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	removed := 0
	for _, id := range stale {
		if _, ok := r.sessions[id]; ok {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Printf("Swept %d terminated session(s)", removed)
	}
	return removed
}

// DrainAll stops every session. Used at daemon shutdown.
func (r *Registry) DrainAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.proc.Terminate(r.cfg.StopGrace)
		s.terminate("stopped", "daemon shutdown")
	}
	if len(sessions) > 0 {
		log.Printf("Drained %d session(s)", len(sessions))
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns how many sessions currently have a client.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, s := range r.snapshot() {
		if s.Status() == StatusActive {
			n++
		}
	}
	return n
}
