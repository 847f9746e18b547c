package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyMessages(t *testing.T) {
	conn := listenNotify(t)

	tests := []struct {
		name string
		send func() (bool, error)
		want string
	}{
		{name: "ready", send: Ready, want: "READY=1"},
		{name: "status", send: func() (bool, error) { return Status("3 feeds") }, want: "STATUS=3 feeds"},
		{name: "stopping", send: Stopping, want: "STOPPING=1"},
	}
	for _, tt := range tests {
		sent, err := tt.send()
		if err != nil || !sent {
			t.Fatalf("%s: sent=%v err=%v", tt.name, sent, err)
		}
		if got := read(t, conn); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready without socket: sent=%v err=%v", sent, err)
	}
	t.Setenv("WATCHDOG_USEC", "")
	if err := Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog disabled: %v", err)
	}
}
