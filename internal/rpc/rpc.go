// Package rpc implements the local domain-socket control plane:
// newline-delimited JSON request/response over a full-duplex connection,
// plus a broadcast event stream every attached client can subscribe to.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is the single wire shape for every line the socket carries.
// Requests set Type+ID+Payload; responses additionally set Success (and
// Error on failure); events set Type+ID (an "evt-N" id) and Payload, and
// never set Success — that's how a reader tells a response from an event.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Handler implements one RPC method. It receives the raw payload and the
// connection that issued the request (for attach/subscription access) and
// returns a JSON-marshalable result or an error.
type Handler func(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error)

const (
	sendBufferSize    = 256
	broadcastBufSize  = 256
	writeQueueTimeout = 5 * time.Second
)

// Server accepts connections on a unix domain socket and dispatches each
// inbound line to a registered Handler.
type Server struct {
	SocketPath string
	Logger     *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*Conn]struct{}
	eventSeq atomic.Int64

	listener net.Listener
}

// New returns a Server bound to socketPath (not yet listening).
func New(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		SocketPath: socketPath,
		Logger:     logger,
		handlers:   make(map[string]Handler),
		conns:      make(map[*Conn]struct{}),
	}
}

// Handle registers a handler for method, overwriting any previous one.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Serve removes any stale socket file, listens, and accepts connections
// until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpc: accept: %w", err)
			}
		}
		conn := s.newConn(c)
		go conn.run(ctx)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Broadcast pushes an event of the given type/payload to every attached
// connection whose subscription (if any) includes project. Slow consumers
// drop events rather than block the broadcaster.
func (s *Server) Broadcast(eventType string, project string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.Logger.Warn("rpc: broadcast marshal failed", "type", eventType, "error", err)
		return
	}
	id := fmt.Sprintf("evt-%d", s.eventSeq.Add(1))
	env := Envelope{Type: eventType, ID: id, Payload: raw}
	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.subscribed(project) {
			continue
		}
		select {
		case c.send <- line:
		default:
			s.Logger.Warn("rpc: dropping event for slow consumer", "type", eventType)
		}
	}
}

func (s *Server) newConn(nc net.Conn) *Conn {
	c := &Conn{
		server: nc,
		srv:    s,
		send:   make(chan []byte, sendBufferSize),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Conn is one client connection: a reader loop dispatching requests, and a
// serialized writer loop fed by a buffered channel so no handler ever
// blocks on a slow client socket.
type Conn struct {
	server net.Conn
	srv    *Server

	send chan []byte

	mu          sync.Mutex
	attached    bool
	allProjects bool
	projects    map[string]bool
}

func (c *Conn) subscribed(project string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return false
	}
	if c.allProjects {
		return true
	}
	return c.projects[project]
}

// Attach subscribes the connection to project's events (or every project's,
// if projects is empty).
func (c *Conn) Attach(projects []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = true
	if len(projects) == 0 {
		c.allProjects = true
		return
	}
	c.projects = make(map[string]bool, len(projects))
	for _, p := range projects {
		c.projects[p] = true
	}
}

func (c *Conn) run(ctx context.Context) {
	defer c.close()
	go c.writeLoop(ctx)
	c.readLoop(ctx)
}

func (c *Conn) close() {
	c.srv.forget(c)
	close(c.send)
	c.server.Close() //nolint:errcheck
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.server.SetWriteDeadline(time.Now().Add(writeQueueTimeout)); err != nil {
				return
			}
			if _, err := c.server.Write(line); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.server)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Envelope
		if err := json.Unmarshal(line, &req); err != nil {
			c.writeError("", "invalid json: "+err.Error())
			continue
		}
		c.dispatch(ctx, req)
	}
}

func (c *Conn) dispatch(ctx context.Context, req Envelope) {
	if req.Type == "attach" {
		var params struct {
			Projects []string `json:"projects"`
		}
		_ = json.Unmarshal(req.Payload, &params)
		c.Attach(params.Projects)
		c.writeSuccess(req.Type, req.ID, map[string]bool{"attached": true})
		return
	}

	c.srv.mu.Lock()
	h, ok := c.srv.handlers[req.Type]
	c.srv.mu.Unlock()
	if !ok {
		c.writeErrorFor(req.Type, req.ID, "unknown method: "+req.Type)
		return
	}

	result, err := h(ctx, c, req.Payload)
	if err != nil {
		c.writeErrorFor(req.Type, req.ID, err.Error())
		return
	}
	c.writeSuccess(req.Type, req.ID, result)
}

func (c *Conn) writeSuccess(typ, id string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.writeErrorFor(typ, id, "marshal result: "+err.Error())
		return
	}
	ok := true
	env := Envelope{Type: typ, ID: id, Success: &ok, Payload: raw}
	c.writeEnvelope(env)
}

func (c *Conn) writeErrorFor(typ, id, msg string) {
	ok := false
	env := Envelope{Type: typ, ID: id, Success: &ok, Error: msg}
	c.writeEnvelope(env)
}

func (c *Conn) writeError(id, msg string) {
	c.writeErrorFor("error", id, msg)
}

func (c *Conn) writeEnvelope(env Envelope) {
	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	line = append(line, '\n')
	select {
	case c.send <- line:
	default:
		c.srv.Logger.Warn("rpc: dropping response for slow consumer", "type", env.Type)
	}
}
