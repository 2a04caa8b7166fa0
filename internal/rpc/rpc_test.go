package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := New(sockPath, nil)
	srv.Handle("ping", func(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx) //nolint:errcheck
	t.Cleanup(cancel)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("unix", sockPath); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, sockPath
}

func TestPingRequestResponse(t *testing.T) {
	_, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := Envelope{Type: "ping", ID: "req-1"}
	raw, _ := json.Marshal(req)
	raw = append(raw, '\n')
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Envelope
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success == nil || !*resp.Success || resp.ID != "req-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	_, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := Envelope{Type: "bogus.method", ID: "req-2"}
	raw, _ := json.Marshal(req)
	raw = append(raw, '\n')
	conn.Write(raw) //nolint:errcheck

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Envelope
	json.Unmarshal(scanner.Bytes(), &resp) //nolint:errcheck
	if resp.Success == nil || *resp.Success {
		t.Fatalf("expected failure response, got %+v", resp)
	}
}

func TestAttachFiltersBroadcast(t *testing.T) {
	srv, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	attach := Envelope{Type: "attach", ID: "a1", Payload: json.RawMessage(`{"projects":["demo"]}`)}
	raw, _ := json.Marshal(attach)
	raw = append(raw, '\n')
	conn.Write(raw) //nolint:errcheck

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no attach ack")
	}

	time.Sleep(20 * time.Millisecond) // let server register the connection
	srv.Broadcast("orchestration.tick_requested", "other-project", map[string]string{"x": "y"})
	srv.Broadcast("orchestration.tick_requested", "demo", map[string]string{"x": "y"})

	if !scanner.Scan() {
		t.Fatalf("expected exactly one broadcast event for subscribed project")
	}
	var env Envelope
	json.Unmarshal(scanner.Bytes(), &env) //nolint:errcheck
	if env.Type != "orchestration.tick_requested" || env.Success != nil {
		t.Fatalf("unexpected event envelope: %+v", env)
	}
}
