// Package relay streams bytes to a save endpoint without buffering whole
// objects.
//
// A Relay owns one transport to the endpoint, dialed on first use and shared
// by every stream. Each CreateWriteStream call opens its own session on it.
// If the transport can hand over a reader (StreamTransferer), sessions run in
// transferable mode and bytes flow through an io.Pipe straight to the
// endpoint. Otherwise every write is sent as a chunk message.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAborted is returned by writes and Close once a stream was aborted,
	// from either side.
	ErrAborted = errors.New("relay: stream aborted")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("relay: stream closed")

	// ErrTransportClosed means the connection to the endpoint went away.
	ErrTransportClosed = errors.New("relay: transport closed")

	// ErrCloseTimeout is returned by Close when the endpoint never confirmed
	// the save.
	ErrCloseTimeout = errors.New("relay: timed out waiting for the endpoint to finish")
)

// Transport carries protocol messages to an endpoint and back.
// Receive is only ever called from one goroutine.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive() (Message, error)
	Close() error
}

// StreamTransferer is implemented by transports that can hand a reader to the
// endpoint directly instead of sending chunk messages.
type StreamTransferer interface {
	Transfer(ctx context.Context, session string, r io.Reader) error
}

// Dialer opens the transport.
type Dialer func(ctx context.Context) (Transport, error)

// Mode is how a session moves bytes.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeTransferable
	ModeMessage
)

func (m Mode) String() string {
	switch m {
	case ModeTransferable:
		return "transferable"
	case ModeMessage:
		return "message"
	}
	return "unknown"
}

// Option configures a Relay.
type Option func(*Relay)

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithTrigger sets the function that starts the native save once the
// endpoint has a download handle. It is called at most once per session,
// from the transport's reader goroutine, and must not block.
func WithTrigger(fn func(url string)) Option {
	return func(r *Relay) {
		r.trigger = fn
	}
}

// WithCloseTimeout bounds how long Close waits for the endpoint.
// Default: 30s
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.closeTimeout = d
	}
}

// Relay opens write streams to a save endpoint.
type Relay struct {
	dial         Dialer
	logger       *slog.Logger
	trigger      func(url string)
	closeTimeout time.Duration

	dialMu    sync.Mutex
	transport Transport
	mode      Mode

	mu       sync.Mutex
	sessions map[string]*Sink
}

func New(dial Dialer, opts ...Option) *Relay {
	r := &Relay{
		dial:         dial,
		logger:       slog.Default(),
		closeTimeout: 30 * time.Second,
		sessions:     make(map[string]*Sink),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode reports the mode chosen when the transport was dialed.
func (r *Relay) Mode() Mode {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	return r.mode
}

// connect dials the transport unless it is already up. A failed dial is not
// remembered, so the next stream tries again.
func (r *Relay) connect(ctx context.Context) (Transport, Mode, error) {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if r.transport != nil {
		return r.transport, r.mode, nil
	}

	t, err := r.dial(ctx)
	if err != nil {
		return nil, ModeUnknown, fmt.Errorf("relay: dial: %w", err)
	}
	r.transport = t
	r.mode = ModeMessage
	if _, ok := t.(StreamTransferer); ok {
		r.mode = ModeTransferable
	}
	r.logger.Debug("relay transport connected", "mode", r.mode)

	go r.route(t)
	return t, r.mode, nil
}

// route delivers endpoint messages to their sessions until the transport
// fails, then aborts whatever is still open.
func (r *Relay) route(t Transport) {
	for {
		msg, err := t.Receive()
		if err != nil {
			r.logger.Debug("relay transport receive loop ended", "error", err)
			break
		}
		if s := r.session(msg.Session); s != nil {
			s.handle(msg)
		} else {
			r.logger.Debug("message for unknown session", "session", msg.Session, "type", msg.Type)
		}
	}

	r.dialMu.Lock()
	if r.transport == t {
		r.transport = nil
		r.mode = ModeUnknown
	}
	r.dialMu.Unlock()

	for _, s := range r.drainSessions() {
		s.abort(ErrTransportClosed, false)
	}
}

// CreateWriteStream announces a new session named name and returns its sink.
// Cancelling ctx aborts the stream.
func (r *Relay) CreateWriteStream(ctx context.Context, name string, opts ...StreamOption) (*Sink, error) {
	o := streamOptions{size: -1}
	for _, opt := range opts {
		opt(&o)
	}

	t, mode, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	s := newSink(r, t, uuid.NewString(), name, o.size, mode)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	announce := Message{
		Type:    MsgAnnounce,
		Session: s.id,
		Name:    name,
		Headers: announceHeaders(name, o.size),
	}
	if err := t.Send(ctx, announce); err != nil {
		r.unregister(s.id)
		return nil, fmt.Errorf("relay: announce %q: %w", name, err)
	}

	if mode == ModeTransferable {
		pr, pw := io.Pipe()
		s.pw = pw
		if err := t.(StreamTransferer).Transfer(ctx, s.id, pr); err != nil {
			s.abort(err, true)
			return nil, fmt.Errorf("relay: transfer %q: %w", name, err)
		}
	}

	s.setStopWatch(context.AfterFunc(ctx, func() {
		s.Abort(context.Cause(ctx))
	}))
	r.logger.Debug("relay session opened", "session", s.id, "name", name, "size", o.size, "mode", mode)
	return s, nil
}

// Close aborts open sessions and closes the transport.
func (r *Relay) Close() error {
	for _, s := range r.drainSessions() {
		s.abort(ErrTransportClosed, true)
	}

	r.dialMu.Lock()
	t := r.transport
	r.transport = nil
	r.mode = ModeUnknown
	r.dialMu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

func (r *Relay) session(id string) *Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Relay) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Relay) drainSessions() []*Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	sinks := make([]*Sink, 0, len(r.sessions))
	for id, s := range r.sessions {
		sinks = append(sinks, s)
		delete(r.sessions, id)
	}
	return sinks
}

// StreamOption configures one stream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	size int64
}

// WithSize announces the expected byte count.
func WithSize(n int64) StreamOption {
	return func(o *streamOptions) {
		o.size = n
	}
}
