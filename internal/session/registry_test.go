package session

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.ScrollbackBytes == 0 {
		cfg.ScrollbackBytes = 64 * 1024
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	r := NewRegistry(cfg)
	t.Cleanup(r.DrainAll)
	return r
}

// connBuf drains one end of a pipe on a background goroutine, the way
// a real client constantly reads its websocket.
type connBuf struct {
	conn net.Conn

	mu     sync.Mutex
	buf    []byte
	closed chan struct{}
}

func drainConn(c net.Conn) *connBuf {
	cb := &connBuf{conn: c, closed: make(chan struct{})}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				cb.mu.Lock()
				cb.buf = append(cb.buf, buf[:n]...)
				cb.mu.Unlock()
			}
			if err != nil {
				close(cb.closed)
				return
			}
		}
	}()
	return cb
}

func (cb *connBuf) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.buf)
}

func (cb *connBuf) waitFor(t *testing.T, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(cb.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in %q", want, cb.String())
}

func (cb *connBuf) waitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-cb.closed:
	case <-time.After(timeout):
		t.Fatal("connection was not closed")
	}
}

// attachPipe attaches an in-memory connection to the session and
// returns the client end plus its drain buffer.
func attachPipe(t *testing.T, r *Registry, id string) (net.Conn, *connBuf, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	cb := drainConn(client)
	done, err := r.Attach(id, server)
	if err != nil {
		client.Close()
		t.Fatalf("Attach: %v", err)
	}
	return client, cb, done
}

func waitForStatus(t *testing.T, s *Session, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", s.Status(), want)
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry(t, Config{})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		s, err := r.Create()
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if s.ID == "" || seen[s.ID] {
			t.Fatalf("duplicate or empty session id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Status() != StatusCreated {
			t.Errorf("fresh session status = %s", s.Status())
		}
	}

	if got := len(r.List()); got != 5 {
		t.Errorf("List has %d sessions, want 5", got)
	}
	if r.Count() != 5 {
		t.Errorf("Count = %d, want 5", r.Count())
	}
}

func TestAttachDetachLifecycle(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client, cb, done := attachPipe(t, r, s.ID)
	if s.Status() != StatusActive {
		t.Errorf("status after attach = %s", s.Status())
	}

	if _, err := client.Write([]byte("printf 'mark-%s\\n' one\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	cb.waitFor(t, "mark-one", 5*time.Second)

	if err := r.Detach(s.ID); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if s.Status() != StatusDetached {
		t.Errorf("status after detach = %s", s.Status())
	}
	cb.waitClosed(t, 2*time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge done channel not closed after detach")
	}

	// Detach again: no-op.
	if err := r.Detach(s.ID); err != nil {
		t.Fatalf("repeat Detach: %v", err)
	}
}

func TestStatePersistsAcrossDetach(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client1, cb1, _ := attachPipe(t, r, s.ID)
	client1.Write([]byte("cd /tmp\n"))
	cb1.waitFor(t, "cd /tmp", 5*time.Second)
	time.Sleep(200 * time.Millisecond) // let the shell process the line
	r.Detach(s.ID)

	client2, cb2, _ := attachPipe(t, r, s.ID)
	defer client2.Close()
	client2.Write([]byte("printf 'wd=%s\\n' \"$PWD\"\n"))
	cb2.waitFor(t, "wd=/tmp", 5*time.Second)
}

func TestLastAttachWins(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clientA, cbA, doneA := attachPipe(t, r, s.ID)
	clientB, cbB, _ := attachPipe(t, r, s.ID)
	defer clientB.Close()

	// The first connection is closed server-side the moment the second
	// one takes over.
	cbA.waitClosed(t, 2*time.Second)
	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatal("displaced bridge never finished")
	}
	if s.Status() != StatusActive {
		t.Errorf("status after displacement = %s", s.Status())
	}

	if _, err := clientA.Write([]byte("printf 'stale\\n'\n")); err == nil {
		t.Error("write on displaced connection should fail")
	}

	// Only B carries traffic now.
	clientB.Write([]byte("printf 'win-%s\\n' b\n"))
	cbB.waitFor(t, "win-b", 5*time.Second)

	if strings.Contains(cbA.String(), "win-b") {
		t.Error("displaced connection received output meant for its successor")
	}
}

func TestConcurrentAttachesSerialize(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	bufs := make([]*connBuf, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, server := net.Pipe()
			bufs[i] = drainConn(client)
			if _, err := r.Attach(s.ID, server); err != nil {
				t.Errorf("Attach #%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// A final attach takes over cleanly and carries traffic.
	final, cbFinal, _ := attachPipe(t, r, s.ID)
	defer final.Close()
	final.Write([]byte("printf 'storm-%s\\n' done\n"))
	cbFinal.waitFor(t, "storm-done", 5*time.Second)

	// Every storm connection was displaced and closed.
	for i, cb := range bufs {
		select {
		case <-cb.closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("storm connection %d still open", i)
		}
	}
	if s.Status() != StatusActive {
		t.Errorf("status = %s, want active", s.Status())
	}
}

func TestScrollbackReplayOnReattach(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client1, cb1, _ := attachPipe(t, r, s.ID)
	client1.Write([]byte("printf 'replay-%s\\n' me\n"))
	cb1.waitFor(t, "replay-me", 5*time.Second)
	r.Detach(s.ID)

	// The marker was produced while the first client was attached, and
	// must come back to the second one via the scrollback replay.
	client2, cb2, _ := attachPipe(t, r, s.ID)
	defer client2.Close()
	cb2.waitFor(t, "replay-me", 5*time.Second)
}

func TestShellExitTerminatesSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client, cb, done := attachPipe(t, r, s.ID)
	defer client.Close()
	client.Write([]byte("exit 0\n"))

	waitForStatus(t, s, StatusTerminated, 5*time.Second)
	cb.waitClosed(t, 2*time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge outlived the shell")
	}

	// Terminated but still listed until swept.
	infos := r.List()
	if len(infos) != 1 || infos[0].Status != StatusTerminated {
		t.Fatalf("List after exit = %+v", infos)
	}
	if infos[0].ExitCode == nil || *infos[0].ExitCode != 0 {
		t.Errorf("exit code not reported: %+v", infos[0])
	}

	// Attach and Stop now report the id as gone.
	if _, err := r.Attach(s.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Attach after exit = %v, want ErrNotFound", err)
	}
	if err := r.Stop(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop after exit = %v, want ErrNotFound", err)
	}
}

func TestStopIsIdempotentInOutcome(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.Stop(s.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Status() != StatusTerminated {
		t.Errorf("status after Stop = %s", s.Status())
	}
	if r.Count() != 0 {
		t.Errorf("Count after Stop = %d", r.Count())
	}

	if err := r.Stop(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Stop = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Stop = %v, want ErrNotFound", err)
	}
}

func TestStopClosesAttachedClient(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client, cb, _ := attachPipe(t, r, s.ID)
	defer client.Close()

	if err := r.Stop(s.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	cb.waitClosed(t, 2*time.Second)
}

func TestByteFidelityAcrossChunkBoundaries(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client, cb, _ := attachPipe(t, r, s.ID)
	defer client.Close()

	// Raw input mode so a payload without newlines flows through, echo
	// off so it does not flood the output stream.
	client.Write([]byte("stty -echo -icanon\n"))
	time.Sleep(300 * time.Millisecond)

	// Below the chunk size first.
	client.Write([]byte("head -c 13 | wc -c\n"))
	time.Sleep(300 * time.Millisecond)
	client.Write([]byte("smallpayload!"))
	cb.waitFor(t, "13", 5*time.Second)

	// Now a payload straddling several 32 KiB chunks.
	client.Write([]byte("head -c 70000 | wc -c\n"))
	time.Sleep(300 * time.Millisecond)
	if _, err := client.Write(bytes.Repeat([]byte("x"), 70000)); err != nil {
		t.Fatalf("bulk write: %v", err)
	}
	cb.waitFor(t, "70000", 10*time.Second)
}

func TestCreateEnforcesSessionCap(t *testing.T) {
	r := newTestRegistry(t, Config{MaxSessions: 2})

	if _, err := r.Create(); err != nil {
		t.Fatalf("Create #1: %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create #2: %v", err)
	}
	if _, err := r.Create(); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("Create #3 = %v, want ErrSessionLimit", err)
	}

	// Stopping one frees a slot.
	infos := r.List()
	if err := r.Stop(infos[0].ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create after Stop: %v", err)
	}
}

func TestCreateFailureLeavesNoEntry(t *testing.T) {
	// A nonexistent working directory fails every shell candidate.
	r := newTestRegistry(t, Config{WorkDir: "/nonexistent/shellgate-workdir"})

	if _, err := r.Create(); err == nil {
		t.Fatal("expected spawn failure")
	}
	if r.Count() != 0 {
		t.Errorf("Count after failed Create = %d, want 0", r.Count())
	}
}

func TestSweepTerminated(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	keep, err := r.Create()
	if err != nil {
		t.Fatalf("Create keep: %v", err)
	}

	client, _, _ := attachPipe(t, r, s.ID)
	defer client.Close()
	client.Write([]byte("exit 0\n"))
	waitForStatus(t, s, StatusTerminated, 5*time.Second)

	time.Sleep(50 * time.Millisecond)
	if n := r.SweepTerminated(0); n != 1 {
		t.Errorf("SweepTerminated = %d, want 1", n)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("swept session still resolvable: %v", err)
	}
	if _, err := r.Get(keep.ID); err != nil {
		t.Errorf("live session swept: %v", err)
	}

	// A generous age keeps even terminated sessions around.
	client2, _, _ := attachPipe(t, r, keep.ID)
	defer client2.Close()
	client2.Write([]byte("exit 0\n"))
	waitForStatus(t, keep, StatusTerminated, 5*time.Second)
	if n := r.SweepTerminated(time.Hour); n != 0 {
		t.Errorf("SweepTerminated(1h) = %d, want 0", n)
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeRecorder) Record(sessionID, event, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func TestLifecycleEventsRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	r := newTestRegistry(t, Config{Recorder: rec})

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	client, _, _ := attachPipe(t, r, s.ID)
	defer client.Close()
	r.Detach(s.ID)
	r.Stop(s.ID)

	want := []string{"created", "attached", "detached", "stopped"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}
