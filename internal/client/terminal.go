package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/coder/websocket"
	"golang.org/x/term"
)

// Attach dials the session's websocket URL and bridges it to the local
// terminal. Stdin is placed in raw mode so control bytes (Ctrl-C,
// Ctrl-Z, arrow keys) travel to the remote shell instead of acting on
// the local process. Attach returns once the connection closes or
// stdin reaches EOF.
func Attach(ctx context.Context, wsURL string) error {
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer c.CloseNow()
	c.SetReadLimit(1024 * 1024)

	restore, err := makeStdinRaw()
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer restore()

	conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
	if err := relay(conn, os.Stdin, os.Stdout); err != nil && !closedCleanly(err) {
		return err
	}
	c.Close(websocket.StatusNormalClosure, "")
	return nil
}

// makeStdinRaw switches stdin to raw mode and returns the restore
// function. When stdin is not a terminal (piped input, tests) it is a
// no-op.
func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, old) }, nil
}

// relay pumps bytes both ways until either side fails. The remote to
// local direction uses a large buffer for bulk output; the local to
// remote direction stays small since it carries keystrokes.
func relay(conn net.Conn, in io.Reader, out io.Writer) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	return <-errCh
}

func closedCleanly(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
