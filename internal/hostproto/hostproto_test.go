package hostproto

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

type fakeManager struct {
	rec  orchestration.AgentRecord
	chat []orchestration.ChatMessage
	sent []orchestration.ChatMessage
	aborted bool
}

func (m *fakeManager) Get(agentID string) (orchestration.AgentRecord, []orchestration.ChatMessage, bool) {
	if agentID != m.rec.ID {
		return orchestration.AgentRecord{}, nil, false
	}
	return m.rec, m.chat, true
}

func (m *fakeManager) Send(agentID string, msg orchestration.ChatMessage) error {
	m.sent = append(m.sent, msg)
	m.chat = append(m.chat, msg)
	return nil
}

func (m *fakeManager) Abort(agentID string) error {
	m.aborted = true
	return nil
}

func startTestHost(t *testing.T, mgr *fakeManager) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "a-1.sock")
	h := NewHost("a-1", sock, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go h.Serve(ctx) //nolint:errcheck

	for i := 0; i < 100; i++ {
		c, err := Dial(sock)
		if err == nil {
			c.Close()
			return h, sock
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host never became reachable at %s", sock)
	return nil, ""
}

func TestPingAndStatus(t *testing.T) {
	mgr := &fakeManager{rec: orchestration.AgentRecord{ID: "a-1", Project: "demo", State: orchestration.AgentStateRunning}}
	_, sock := startTestHost(t, mgr)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ping, err := client.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ping.Version != ProtocolVersion {
		t.Fatalf("unexpected version: %q", ping.Version)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Agent.ID != "a-1" || status.Agent.Project != "demo" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestAttachStreamsChatEvents(t *testing.T) {
	mgr := &fakeManager{rec: orchestration.AgentRecord{ID: "a-1", Project: "demo", State: orchestration.AgentStateRunning}}
	_, sock := startTestHost(t, mgr)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Attach(0); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mgr.chat = append(mgr.chat, orchestration.ChatMessage{Role: orchestration.ChatRoleAssistant, Content: "hello"})

	select {
	case event := <-client.Events():
		if event.Type != StreamChat || event.Chat == nil || event.Chat.Content != "hello" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream event")
	}
}

func TestSendAndStop(t *testing.T) {
	mgr := &fakeManager{rec: orchestration.AgentRecord{ID: "a-1", Project: "demo"}}
	_, sock := startTestHost(t, mgr)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send("do the thing"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mgr.sent) != 1 || mgr.sent[0].Content != "do the thing" {
		t.Fatalf("expected message forwarded to manager, got %+v", mgr.sent)
	}

	if _, err := client.Stop(true, "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !mgr.aborted {
		t.Fatalf("expected Abort to have been called")
	}
}
