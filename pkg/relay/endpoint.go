package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Saver creates the destination of a session.
type Saver interface {
	Create(name string, size int64) (Upload, error)
}

// Upload receives one session's bytes. Exactly one of Commit or Discard is
// called.
type Upload interface {
	io.Writer
	Commit() error
	Discard() error
}

// Endpoint is the save side of the relay protocol. It serves in-process
// pipes, websocket clients and JSON line streams.
type Endpoint struct {
	saver       Saver
	logger      *slog.Logger
	downloadURL func(session, name string) string
	upgrader    websocket.Upgrader
}

type EndpointOption func(*Endpoint)

func WithEndpointLogger(l *slog.Logger) EndpointOption {
	return func(ep *Endpoint) {
		ep.logger = l
	}
}

// WithDownloadURL makes the endpoint send a download message with the URL
// returned by fn after accepting a session.
func WithDownloadURL(fn func(session, name string) string) EndpointOption {
	return func(ep *Endpoint) {
		ep.downloadURL = fn
	}
}

func NewEndpoint(saver Saver, opts ...EndpointOption) *Endpoint {
	ep := &Endpoint{
		saver:  saver,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
		},
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

// ServeHTTP upgrades the request to a websocket and serves relay sessions on
// it until the client goes away.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ep.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	c := ep.newConn(func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	})
	defer c.close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ep.logger.Warn("relay client connection failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

// ServeStream serves relay sessions as JSON lines read from r, replying on w,
// until r is exhausted or ctx is done.
func (ep *Endpoint) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	codec := newLineCodec(r, w)
	c := ep.newConn(codec.write)
	defer c.close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := codec.read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		c.handle(msg)
	}
}

// endpointConn is the endpoint side of one transport connection.
type endpointConn struct {
	ep    *Endpoint
	reply func(Message) error

	mu       sync.Mutex
	sessions map[string]*endpointSession
}

type endpointSession struct {
	id      string
	name    string
	size    int64
	written int64
	upload  Upload
}

func (ep *Endpoint) newConn(reply func(Message) error) *endpointConn {
	return &endpointConn{
		ep:       ep,
		reply:    reply,
		sessions: make(map[string]*endpointSession),
	}
}

func (c *endpointConn) send(msg Message) {
	if err := c.reply(msg); err != nil {
		c.ep.logger.Debug("failed to reply to relay client", "session", msg.Session, "type", msg.Type, "error", err)
	}
}

func (c *endpointConn) handle(msg Message) {
	switch msg.Type {
	case MsgAnnounce:
		c.announce(msg)
	case MsgChunk:
		s := c.get(msg.Session)
		if s == nil {
			c.send(Message{Type: MsgAbort, Session: msg.Session, Reason: "unknown session"})
			return
		}
		if err := s.write(msg.Data); err != nil {
			c.fail(s, err)
		}
	case MsgEnd:
		if s := c.get(msg.Session); s != nil {
			c.finish(s)
		}
	case MsgAbort:
		if s := c.take(msg.Session); s != nil {
			c.ep.logger.Debug("relay session aborted by client", "session", s.id, "reason", msg.Reason)
			if err := s.upload.Discard(); err != nil {
				c.ep.logger.Warn("failed to discard aborted upload", "name", s.name, "error", err)
			}
		}
	default:
		c.ep.logger.Warn("unexpected relay message", "session", msg.Session, "type", msg.Type)
	}
}

func (c *endpointConn) announce(msg Message) {
	name, size := parseAnnounce(msg)
	upload, err := c.ep.saver.Create(name, size)
	if err != nil {
		c.ep.logger.Warn("failed to create upload", "name", name, "error", err)
		c.send(Message{Type: MsgAbort, Session: msg.Session, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.sessions[msg.Session] = &endpointSession{id: msg.Session, name: name, size: size, upload: upload}
	c.mu.Unlock()

	c.send(Message{Type: MsgReady, Session: msg.Session})
	if c.ep.downloadURL != nil {
		c.send(Message{Type: MsgDownload, Session: msg.Session, URL: c.ep.downloadURL(msg.Session, name)})
	}
}

// transfer consumes r as the whole body of an announced session.
func (c *endpointConn) transfer(id string, r io.Reader) error {
	s := c.get(id)
	if s == nil {
		return fmt.Errorf("relay: transfer for unknown session %s", id)
	}
	go func() {
		if _, err := io.Copy(writerFunc(s.write), r); err != nil {
			c.fail(s, err)
			return
		}
		c.finish(s)
	}()
	return nil
}

func (c *endpointConn) finish(s *endpointSession) {
	if s.size >= 0 && s.written != s.size {
		c.fail(s, fmt.Errorf("expected %d bytes, got %d", s.size, s.written))
		return
	}
	if c.take(s.id) == nil {
		// Aborted meanwhile.
		return
	}
	if err := s.upload.Commit(); err != nil {
		c.ep.logger.Warn("failed to save relayed stream", "name", s.name, "error", err)
		c.send(Message{Type: MsgAbort, Session: s.id, Reason: err.Error()})
		return
	}
	c.ep.logger.Debug("relayed stream saved", "session", s.id, "name", s.name, "bytes", s.written)
	c.send(Message{Type: MsgDone, Session: s.id})
}

func (c *endpointConn) fail(s *endpointSession, err error) {
	if c.take(s.id) == nil {
		return
	}
	if discardErr := s.upload.Discard(); discardErr != nil {
		c.ep.logger.Warn("failed to discard upload", "name", s.name, "error", discardErr)
	}
	c.send(Message{Type: MsgAbort, Session: s.id, Reason: err.Error()})
}

func (c *endpointConn) get(id string) *endpointSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *endpointConn) take(id string) *endpointSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	delete(c.sessions, id)
	return s
}

// close discards every unfinished session.
func (c *endpointConn) close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*endpointSession)
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.upload.Discard(); err != nil {
			c.ep.logger.Warn("failed to discard upload", "name", s.name, "error", err)
		}
	}
}

func (s *endpointSession) write(p []byte) (int, error) {
	if s.size >= 0 && s.written+int64(len(p)) > s.size {
		return 0, fmt.Errorf("stream exceeds announced size of %d bytes", s.size)
	}
	n, err := s.upload.Write(p)
	s.written += int64(n)
	return n, err
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
