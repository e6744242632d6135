package diagipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EnvSocketDir overrides the directory diagnostic sockets are created in.
const EnvSocketDir = "TRACECHECK_DIAG_DIR"

const socketPrefix = "tracecheck-diag-"

var (
	noDeadline   time.Time
	aLongTimeAgo = time.Unix(1, 0)
)

// DefaultSocketDir returns $TRACECHECK_DIAG_DIR, falling back to the temp dir.
func DefaultSocketDir() string {
	if dir := os.Getenv(EnvSocketDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SocketPath returns the endpoint path of the process with the given pid.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, socketPrefix+strconv.Itoa(pid)+".sock")
}

// Listen creates the diagnostic endpoint for pid, replacing a stale socket file.
func Listen(dir string, pid int) (net.Listener, error) {
	path := SocketPath(dir, pid)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Dial connects to the diagnostic endpoint of pid.
func Dial(ctx context.Context, dir string, pid int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", SocketPath(dir, pid))
}

// RoundTrip writes a command and reads the reply. The context deadline, if
// any, applies to both directions.
func RoundTrip(ctx context.Context, conn net.Conn, m *Message) (*Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(noDeadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if _, err := m.WriteTo(conn); err != nil {
		return nil, withContext(ctx, err)
	}
	reply, err := ReadMessage(conn)
	if err != nil {
		return nil, withContext(ctx, err)
	}
	return reply, nil
}

func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
