package client

import (
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/session"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg := session.NewRegistry(session.Config{
		Shell:           "/bin/sh",
		Rows:            24,
		Cols:            80,
		ScrollbackBytes: 64 * 1024,
		StopGrace:       time.Second,
	})
	t.Cleanup(reg.DrainAll)

	a := &handlers.API{Registry: reg, Version: "test", ExecTimeout: 5 * time.Second}
	ts := httptest.NewServer(a.Routes())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestConnectURL(t *testing.T) {
	cases := []struct {
		base string
		id   string
		want string
	}{
		{"http://localhost:8080", "abc", "ws://localhost:8080/shell/abc"},
		{"https://gate.example.com", "abc", "wss://gate.example.com/shell/abc"},
		{"http://localhost:8080/", "abc", "ws://localhost:8080/shell/abc"},
	}
	for _, tc := range cases {
		got := New(tc.base).ConnectURL(tc.id)
		if got != tc.want {
			t.Errorf("ConnectURL(%q, %q) = %q, want %q", tc.base, tc.id, got, tc.want)
		}
	}
}

func TestCreateListStop(t *testing.T) {
	c := newTestClient(t)

	cr, err := c.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cr.SessionID == "" {
		t.Fatal("Create returned empty session id")
	}
	if !strings.HasPrefix(cr.ConnectURL, "ws://") || !strings.HasSuffix(cr.ConnectURL, "/shell/"+cr.SessionID) {
		t.Fatalf("unexpected connect URL %q", cr.ConnectURL)
	}

	lr, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if lr.Total != 1 || len(lr.Sessions) != 1 {
		t.Fatalf("List = %+v, want exactly one session", lr)
	}
	if lr.Sessions[0].ID != cr.SessionID {
		t.Fatalf("listed id %s, want %s", lr.Sessions[0].ID, cr.SessionID)
	}
	if lr.Sessions[0].Status != session.StatusCreated {
		t.Fatalf("listed status %s, want %s", lr.Sessions[0].Status, session.StatusCreated)
	}

	if err := c.Stop(cr.SessionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err = c.Stop(cr.SessionID)
	if err == nil {
		t.Fatal("second Stop succeeded, want not found error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("second Stop error = %v, want not found", err)
	}

	lr, err = c.List()
	if err != nil {
		t.Fatalf("List after stop: %v", err)
	}
	if lr.Total != 0 {
		t.Fatalf("List after stop reports %d sessions, want 0", lr.Total)
	}
}

func TestRelayPassthrough(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()

	done := make(chan error, 1)
	go func() { done <- relay(local, inR, outW) }()

	go inW.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(remote, buf); err != nil {
		t.Fatalf("read keystrokes: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("remote received %q, want %q", buf, "hello")
	}

	go remote.Write([]byte("world"))
	if _, err := io.ReadFull(outR, buf); err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(buf) != "world" {
		t.Fatalf("local received %q, want %q", buf, "world")
	}

	remote.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("relay returned nil after connection close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after connection close")
	}
}

func TestClosedCleanly(t *testing.T) {
	if !closedCleanly(nil) {
		t.Error("nil should count as clean")
	}
	if !closedCleanly(io.EOF) {
		t.Error("EOF should count as clean")
	}
	if closedCleanly(errors.New("connection reset")) {
		t.Error("arbitrary errors should not count as clean")
	}
}
