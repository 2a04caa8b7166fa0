package hostproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is the daemon-side connection to a single agent's host socket. A
// single background goroutine reads the connection so Attach's stream
// events and concurrent request/response calls can interleave freely.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64
	events chan StreamEvent

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// Dial connects to a host's socket and starts its background reader.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("hostproto: dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		events:  make(chan StreamEvent, 64),
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Events returns the channel stream events are delivered on after Attach.
func (c *Client) Events() <-chan StreamEvent { return c.events }

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			Success *bool  `json:"success"`
			ID      string `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Success == nil {
			var event StreamEvent
			if err := json.Unmarshal(line, &event); err == nil {
				select {
				case c.events <- event:
				default:
				}
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.events)
}

func (c *Client) call(msgType string, payload any) (Response, error) {
	id := fmt.Sprintf("req-%d", c.nextID.Add(1))
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{}, err
		}
		raw = data
	}
	req := Request{Type: msgType, ID: id, Payload: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	line = append(line, '\n')

	replyCh := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("hostproto: connection closed")
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	if _, err := c.conn.Write(line); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, err
	}

	resp, ok := <-replyCh
	if !ok {
		return Response{}, fmt.Errorf("hostproto: connection closed before response %s", id)
	}
	return resp, nil
}

// Ping round-trips host.ping.
func (c *Client) Ping() (PingResponse, error) {
	resp, err := c.call(MsgPing, nil)
	if err != nil {
		return PingResponse{}, err
	}
	if !resp.Success {
		return PingResponse{}, fmt.Errorf("hostproto: ping failed: %s", resp.Error)
	}
	var out PingResponse
	_ = json.Unmarshal(resp.Payload, &out)
	return out, nil
}

// Status round-trips host.status.
func (c *Client) Status() (StatusResponse, error) {
	resp, err := c.call(MsgStatus, nil)
	if err != nil {
		return StatusResponse{}, err
	}
	if !resp.Success {
		return StatusResponse{}, fmt.Errorf("hostproto: status failed: %s", resp.Error)
	}
	var out StatusResponse
	_ = json.Unmarshal(resp.Payload, &out)
	return out, nil
}

// Attach round-trips host.attach; subsequent stream events arrive on Events().
func (c *Client) Attach(offset int64) (AttachResponse, error) {
	resp, err := c.call(MsgAttach, AttachRequest{Offset: offset})
	if err != nil {
		return AttachResponse{}, err
	}
	if !resp.Success {
		return AttachResponse{}, fmt.Errorf("hostproto: attach failed: %s", resp.Error)
	}
	var out AttachResponse
	_ = json.Unmarshal(resp.Payload, &out)
	return out, nil
}

// Detach round-trips host.detach.
func (c *Client) Detach() error {
	resp, err := c.call(MsgDetach, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("hostproto: detach failed: %s", resp.Error)
	}
	return nil
}

// Send round-trips host.send, injecting a chat message into the agent.
func (c *Client) Send(input string) error {
	resp, err := c.call(MsgSend, SendRequest{Input: input})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("hostproto: send failed: %s", resp.Error)
	}
	return nil
}

// Stop round-trips host.stop.
func (c *Client) Stop(force bool, reason string) (StopResponse, error) {
	resp, err := c.call(MsgStop, StopRequest{Force: force, Reason: reason})
	if err != nil {
		return StopResponse{}, err
	}
	if !resp.Success {
		return StopResponse{}, fmt.Errorf("hostproto: stop failed: %s", resp.Error)
	}
	var out StopResponse
	_ = json.Unmarshal(resp.Payload, &out)
	return out, nil
}
