package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const (
	DefaultRows uint16 = 24
	DefaultCols uint16 = 80

	termEnv = "TERM=xterm-256color"
)

// SpawnConfig controls how a session shell is started.
type SpawnConfig struct {
	// Shell is the program to run. Empty falls back through $SHELL,
	// /bin/bash and /bin/sh.
	Shell string
	// Args replaces the default argument list. With Login set and no
	// Args, the shell is invoked as a login shell ("-l").
	Args  []string
	Login bool

	Rows uint16
	Cols uint16

	Dir string
	// Env entries overlay the daemon environment, TERM included.
	Env []string
}

// Proc is a running shell bound to a pty. The controller end is owned
// by the Proc; Read and Write expose its two byte streams.
type Proc struct {
	ptmx *os.File
	cmd  *exec.Cmd

	writeMu sync.Mutex

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

// Spawn starts a shell on a fresh pty with fixed geometry. Candidates
// are tried in order until one starts; errors that do not indicate a
// bad shell binary abort the chain.
func Spawn(cfg SpawnConfig) (*Proc, error) {
	var lastErr error
	for _, shell := range shellCandidates(cfg.Shell) {
		p, err := startShell(shell, cfg)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !shouldFallbackShell(err) {
			break
		}
	}
	return nil, fmt.Errorf("spawn shell: %w", lastErr)
}

func startShell(shell string, cfg SpawnConfig) (*Proc, error) {
	args := cfg.Args
	if len(args) == 0 && cfg.Login {
		args = []string{"-l"}
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), append([]string{termEnv}, cfg.Env...))

	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = DefaultRows
	}
	if cols == 0 {
		cols = DefaultCols
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}

	p := &Proc{
		ptmx:   ptmx,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// shellCandidates returns the ordered list of shells to try, ending
// with /bin/sh.
func shellCandidates(configured string) []string {
	candidates := []string{configured, os.Getenv("SHELL"), "/bin/bash", "/bin/sh"}
	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// shouldFallbackShell reports whether a spawn error means "try the
// next candidate" rather than a systemic failure.
func shouldFallbackShell(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, os.ErrNotExist)
}

// mergeEnv returns base with overlay entries replacing same-named vars.
func mergeEnv(base, overlay []string) []string {
	override := make(map[string]bool, len(overlay))
	for _, kv := range overlay {
		if i := strings.IndexByte(kv, '='); i > 0 {
			override[kv[:i]] = true
		}
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 && override[kv[:i]] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, overlay...)
}

func (p *Proc) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			} else {
				code = exitErr.ExitCode()
			}
		}
	}
	p.markExited(code)
}

func (p *Proc) markExited(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exited)
	})
}

// Read pulls shell output from the controller end. After the child
// exits the kernel reports EIO; callers treat any error as end of
// stream.
func (p *Proc) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

// Write pushes input bytes to the shell. Writes are serialized so
// chunks from a displaced connection cannot interleave mid-write with
// its successor.
func (p *Proc) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ptmx.Write(b)
}

// Done is closed once the shell has exited and its status is recorded.
func (p *Proc) Done() <-chan struct{} {
	return p.exited
}

// ExitCode is the shell's exit status, 128+signal for signal deaths,
// or -1 while it is still running.
func (p *Proc) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

func (p *Proc) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate asks the shell's process group to exit and escalates to
// SIGKILL after the grace period. It does not block.
func (p *Proc) Terminate(grace time.Duration) {
	if !p.Alive() {
		return
	}
	p.signal(syscall.SIGTERM)
	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.signal(syscall.SIGKILL)
		}
	}()
}

func (p *Proc) signal(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	// The child is a session leader, so its pid names the whole group.
	syscall.Kill(-p.cmd.Process.Pid, sig)
}

// Close releases the controller end. A running shell sees a terminal
// hangup.
func (p *Proc) Close() error {
	return p.ptmx.Close()
}
