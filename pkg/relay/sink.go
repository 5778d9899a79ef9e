package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// State is the lifecycle of a session. Completed and Aborted are final.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is a snapshot of a stream.
type Session struct {
	ID           string
	Name         string
	ExpectedSize int64 // -1 when unknown
	BytesWritten int64
	State        State
	Mode         Mode
}

// ChunkTypeError is returned by WriteValue for anything that is not a byte
// slice. Nothing is forwarded when it is returned.
type ChunkTypeError struct {
	Value any
}

func (e *ChunkTypeError) Error() string {
	return fmt.Sprintf("relay: chunk must be []byte, got %T", e.Value)
}

// Sink is the writable end of one relay session.
type Sink struct {
	relay *Relay
	t     Transport
	id    string
	name  string
	size  int64
	mode  Mode

	pw *io.PipeWriter // transferable mode only

	ready       chan struct{}
	readyOnce   sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	aborted     chan struct{}
	triggerOnce sync.Once

	// writeMu serializes Write and Close.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	closing   bool
	written   int64
	err       error
	stopWatch func() bool
}

var _ io.WriteCloser = (*Sink)(nil)

func newSink(r *Relay, t Transport, id, name string, size int64, mode Mode) *Sink {
	return &Sink{
		relay:   r,
		t:       t,
		id:      id,
		name:    name,
		size:    size,
		mode:    mode,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// Session returns a snapshot of the stream.
func (s *Sink) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:           s.id,
		Name:         s.name,
		ExpectedSize: s.size,
		BytesWritten: s.written,
		State:        s.state,
		Mode:         s.mode,
	}
}

// Write forwards p to the endpoint. It blocks until the endpoint is ready
// for bytes, and in transferable mode until the endpoint consumed them.
// p is not retained.
func (s *Sink) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writable(); err != nil {
		return 0, err
	}
	if err := s.waitReady(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	if s.pw != nil {
		n, err := s.pw.Write(p)
		s.addWritten(n)
		if err != nil {
			return n, s.failure(err)
		}
		return n, nil
	}

	msg := Message{Type: MsgChunk, Session: s.id, Data: bytes.Clone(p)}
	if err := s.t.Send(context.Background(), msg); err != nil {
		s.abort(err, false)
		return 0, s.failure(err)
	}
	s.addWritten(len(p))
	return len(p), nil
}

// WriteValue writes v, which must be a []byte.
func (s *Sink) WriteValue(v any) error {
	p, ok := v.([]byte)
	if !ok {
		return &ChunkTypeError{Value: v}
	}
	_, err := s.Write(p)
	return err
}

// Close ends the stream and waits for the endpoint to confirm the save.
// Closing a closed stream is a no-op. Closing an aborted stream returns the
// abort error.
func (s *Sink) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StateAborted:
		err := s.err
		s.mu.Unlock()
		return err
	case s.closing || s.state == StateCompleted:
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	if err := s.waitReady(); err != nil {
		return err
	}

	if s.pw != nil {
		s.pw.Close()
	} else if err := s.t.Send(context.Background(), Message{Type: MsgEnd, Session: s.id}); err != nil {
		s.abort(err, false)
		return s.failure(err)
	}

	timer := time.NewTimer(s.relay.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-s.aborted:
		return s.failure(nil)
	case <-timer.C:
		s.abort(ErrCloseTimeout, true)
		return s.failure(nil)
	}

	s.mu.Lock()
	if s.state == StateAborted {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = StateCompleted
	s.mu.Unlock()
	s.finish()
	return nil
}

// Abort cancels the stream, tells the endpoint to discard it and releases
// any blocked writer. Aborting a finished stream is a no-op.
func (s *Sink) Abort(reason error) {
	s.abort(reason, true)
}

func (s *Sink) abort(reason error, notify bool) {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateAborted {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.err = abortError(reason)
	err := s.err
	s.mu.Unlock()

	close(s.aborted)
	// The endpoint hears about the abort before the body ends, so it discards
	// the upload instead of racing to finish it.
	if notify {
		msg := Message{Type: MsgAbort, Session: s.id}
		if reason != nil {
			msg.Reason = reason.Error()
		}
		if sendErr := s.t.Send(context.Background(), msg); sendErr != nil {
			s.relay.logger.Debug("failed to send abort", "session", s.id, "error", sendErr)
		}
	}
	if s.pw != nil {
		s.pw.CloseWithError(err)
	}
	s.relay.logger.Debug("relay session aborted", "session", s.id, "error", err)
	s.finish()
}

// handle applies one endpoint message.
func (s *Sink) handle(msg Message) {
	switch msg.Type {
	case MsgReady:
		s.readyOnce.Do(func() { close(s.ready) })
	case MsgDownload:
		s.triggerOnce.Do(func() {
			if s.relay.trigger != nil {
				s.relay.trigger(msg.URL)
			}
		})
	case MsgDone:
		s.doneOnce.Do(func() { close(s.done) })
	case MsgAbort:
		reason := "no reason given"
		if msg.Reason != "" {
			reason = msg.Reason
		}
		s.abort(fmt.Errorf("aborted by endpoint: %s", reason), false)
	default:
		s.relay.logger.Warn("unexpected relay message", "session", s.id, "type", msg.Type)
	}
}

func (s *Sink) writable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateAborted:
		return s.err
	case s.closing || s.state == StateCompleted:
		return ErrClosed
	}
	return nil
}

func (s *Sink) waitReady() error {
	select {
	case <-s.ready:
		return nil
	case <-s.aborted:
		return s.failure(nil)
	}
}

// failure returns the abort error if the stream was aborted, else err.
func (s *Sink) failure(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return err
}

func (s *Sink) addWritten(n int) {
	s.mu.Lock()
	s.written += int64(n)
	s.mu.Unlock()
}

func (s *Sink) finish() {
	s.relay.unregister(s.id)
	s.mu.Lock()
	stop := s.stopWatch
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Sink) setStopWatch(stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAborted || s.state == StateCompleted {
		stop()
		return
	}
	s.stopWatch = stop
}

func abortError(reason error) error {
	switch {
	case reason == nil:
		return ErrAborted
	case errors.Is(reason, ErrAborted):
		return reason
	default:
		return fmt.Errorf("%w: %w", ErrAborted, reason)
	}
}
