package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/shellgate/shellgate/internal/logutil"
)

const defaultExecTimeout = 5 * time.Minute

// commandRequest is the body of the one-shot execute endpoints. The
// command runs directly, without a shell.
type commandRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

type commandResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

func (a *API) execTimeout() time.Duration {
	if a.ExecTimeout > 0 {
		return a.ExecTimeout
	}
	return defaultExecTimeout
}

func decodeCommandRequest(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return req, false
	}
	return req, true
}

// ExecuteCommand runs one command to completion and returns its output.
// Stateless: no pty, no session, nothing survives the call.
// POST /execute
func (a *API) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommandRequest(w, r)
	if !ok {
		return
	}

	log.Printf("Executing command: %s (args: %d)", logutil.SanitizeForLog(req.Command), len(req.Args))

	ctx, cancel := context.WithTimeout(r.Context(), a.execTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			log.Printf("Failed to execute command: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to execute command: %v", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Success: err == nil,
		Output:  stdout.String(),
		Error:   stderr.String(),
	})
}

// ExecuteCommandStream runs one command and streams its output line by
// line as server-sent events, ending with the exit code.
// POST /execute/stream
func (a *API) ExecuteCommandStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommandRequest(w, r)
	if !ok {
		return
	}

	log.Printf("Streaming command: %s (args: %d)", logutil.SanitizeForLog(req.Command), len(req.Args))

	ctx, cancel := context.WithTimeout(r.Context(), a.execTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to spawn command: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to spawn command: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to spawn command: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	out := &flushingWriter{w: w, f: flusher}

	// Events from the two pipes interleave; the writer lock keeps each
	// SSE record intact.
	var mu sync.Mutex
	emit := func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "data: "+format+"\n\n", args...)
	}

	var wg sync.WaitGroup
	relayLines := func(src io.Reader, label string) {
		defer wg.Done()
		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit("%s: %s", label, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			emit("error: %v", err)
		}
	}

	wg.Add(2)
	go relayLines(stdout, "stdout")
	go relayLines(stderr, "stderr")
	wg.Wait()

	code := -1
	if err := cmd.Wait(); err == nil {
		code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	emit("exit_code: %d", code)
}

// flushingWriter pushes every write out to the client immediately,
// which is what makes the stream a stream.
type flushingWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushingWriter) Write(p []byte) (n int, err error) {
	n, err = fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return
}
