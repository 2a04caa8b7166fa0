package hostproto

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// AgentView is the subset of agentruntime.Manager a Host needs to expose
// one agent over the protocol.
type AgentView interface {
	Get(agentID string) (orchestration.AgentRecord, []orchestration.ChatMessage, bool)
	Send(agentID string, msg orchestration.ChatMessage) error
	Abort(agentID string) error
}

const sendBufferSize = 64

// Host serves the four-operation protocol for one live agent over its own
// unix socket, independent of the daemon's main RPC socket.
type Host struct {
	AgentID    string
	SocketPath string
	Manager    AgentView
	StartedAt  time.Time
	Now        func() time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewHost returns a Host ready to Serve.
func NewHost(agentID, socketPath string, manager AgentView) *Host {
	return &Host{AgentID: agentID, SocketPath: socketPath, Manager: manager, StartedAt: time.Now(), Now: time.Now}
}

// Serve listens on SocketPath and accepts connections until ctx is done.
func (h *Host) Serve(ctx context.Context) error {
	_ = os.Remove(h.SocketPath)
	ln, err := net.Listen("unix", h.SocketPath)
	if err != nil {
		return fmt.Errorf("hostproto: listen %s: %w", h.SocketPath, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		hc := &hostConn{conn: conn, host: h, send: make(chan []byte, sendBufferSize)}
		go hc.run(ctx)
	}
}

// Close stops accepting new connections.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Close()
	}
	return nil
}

type hostConn struct {
	conn     net.Conn
	host     *Host
	send     chan []byte
	mu       sync.Mutex
	attached bool
	offset   int64
}

func (c *hostConn) run(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(connCtx)
	c.readLoop(connCtx)
	close(c.send)
	c.conn.Close()
}

func (c *hostConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := c.conn.Write(line); err != nil {
				return
			}
		}
	}
}

func (c *hostConn) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		c.dispatch(ctx, req)
	}
}

func (c *hostConn) dispatch(ctx context.Context, req Request) {
	switch req.Type {
	case MsgPing:
		c.reply(req, true, "", PingResponse{Version: ProtocolVersion, UptimeSecs: int64(c.host.Now().Sub(c.host.StartedAt).Seconds())})
	case MsgStatus:
		c.handleStatus(req)
	case MsgAttach:
		c.handleAttach(ctx, req)
	case MsgDetach:
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
		c.reply(req, true, "", nil)
	case MsgSend:
		c.handleSend(req)
	case MsgStop:
		c.handleStop(req)
	default:
		c.reply(req, false, fmt.Sprintf("hostproto: unknown message type %q", req.Type), nil)
	}
}

func (c *hostConn) handleStatus(req Request) {
	rec, chat, ok := c.host.Manager.Get(c.host.AgentID)
	if !ok {
		c.reply(req, false, "hostproto: agent not found", nil)
		return
	}
	c.reply(req, true, "", StatusResponse{
		Agent:           agentInfoFromRecord(rec),
		StreamOffset:    int64(len(chat)),
		AttachedClients: 1,
	})
}

func (c *hostConn) handleAttach(ctx context.Context, req Request) {
	var payload AttachRequest
	_ = json.Unmarshal(req.Payload, &payload)

	_, chat, ok := c.host.Manager.Get(c.host.AgentID)
	if !ok {
		c.reply(req, false, "hostproto: agent not found", nil)
		return
	}

	offset := payload.Offset
	if offset < 0 || offset > int64(len(chat)) {
		offset = int64(len(chat))
	}
	c.mu.Lock()
	c.attached = true
	c.offset = offset
	c.mu.Unlock()

	c.reply(req, true, "", AttachResponse{CurrentOffset: offset})
	go c.streamLoop(ctx)
}

func (c *hostConn) streamLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			attached := c.attached
			offset := c.offset
			c.mu.Unlock()
			if !attached {
				return
			}
			_, chat, ok := c.host.Manager.Get(c.host.AgentID)
			if !ok {
				return
			}
			for offset < int64(len(chat)) {
				msg := chat[offset]
				event := StreamEvent{
					Type:      StreamChat,
					AgentID:   c.host.AgentID,
					Offset:    offset,
					Timestamp: c.host.Now().UTC().Format(time.RFC3339Nano),
					Chat: &StreamChatEntry{
						Role:    string(msg.Role),
						Content: msg.Content,
						TsMs:    msg.TsMs,
					},
				}
				c.pushEvent(event)
				offset++
			}
			c.mu.Lock()
			c.offset = offset
			c.mu.Unlock()
		}
	}
}

func (c *hostConn) handleSend(req Request) {
	var payload SendRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		c.reply(req, false, "hostproto: malformed send payload", nil)
		return
	}
	msg := orchestration.ChatMessage{Role: orchestration.ChatRoleUser, Content: payload.Input, TsMs: c.host.Now().UnixMilli()}
	if err := c.host.Manager.Send(c.host.AgentID, msg); err != nil {
		c.reply(req, false, err.Error(), nil)
		return
	}
	c.reply(req, true, "", nil)
}

func (c *hostConn) handleStop(req Request) {
	var payload StopRequest
	_ = json.Unmarshal(req.Payload, &payload)
	err := c.host.Manager.Abort(c.host.AgentID)
	if err != nil {
		c.reply(req, false, err.Error(), nil)
		return
	}
	c.reply(req, true, "", StopResponse{Stopped: true})
}

func (c *hostConn) reply(req Request, success bool, errMsg string, payload any) {
	resp := Response{Type: req.Type, ID: req.ID, Success: success, Error: errMsg}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			resp.Payload = data
		}
	}
	c.pushResponse(resp)
}

func (c *hostConn) pushResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	select {
	case c.send <- data:
	default:
	}
}

func (c *hostConn) pushEvent(event StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')
	select {
	case c.send <- data:
	default:
	}
}

func agentInfoFromRecord(rec orchestration.AgentRecord) AgentInfo {
	info := AgentInfo{
		ID:          rec.ID,
		Project:     rec.Project,
		State:       string(rec.State),
		Worktree:    rec.WorktreeDir,
		StartedAtMs: rec.CreatedAt.UnixMilli(),
		Backend:     string(rec.Backend),
		Role:        string(rec.Role),
		IssueID:     rec.IssueID,
	}
	if rec.PID != nil {
		info.PID = *rec.PID
	}
	return info
}
