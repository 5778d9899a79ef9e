package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxLineSize bounds one JSON line. Chunks travel base64 encoded, so this
// allows writes of up to about 48MB.
const maxLineSize = 64 * 1024 * 1024

// lineCodec reads and writes one JSON message per line.
type lineCodec struct {
	scanner *bufio.Scanner

	mu     sync.Mutex
	writer *bufio.Writer
}

func newLineCodec(r io.Reader, w io.Writer) *lineCodec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &lineCodec{
		scanner: scanner,
		writer:  bufio.NewWriter(w),
	}
}

// read returns the next message, skipping blank lines. It returns io.EOF when
// the input ends.
func (c *lineCodec) read() (Message, error) {
	var line string
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return Message{}, fmt.Errorf("failed to read message: %w", err)
			}
			return Message{}, io.EOF
		}
		line = c.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}

func (c *lineCodec) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return c.writer.Flush()
}

// DialStream speaks the relay protocol as JSON lines over r and w, e.g. the
// stdio of a `fetchcache relay -stdio` child process. Relays over a stream
// run in message mode. Closing the transport closes w.
func DialStream(r io.Reader, w io.WriteCloser) Dialer {
	return func(context.Context) (Transport, error) {
		return &streamTransport{codec: newLineCodec(r, w), closer: w}, nil
	}
}

type streamTransport struct {
	codec  *lineCodec
	closer io.Closer
}

func (s *streamTransport) Send(_ context.Context, msg Message) error {
	return s.codec.write(msg)
}

func (s *streamTransport) Receive() (Message, error) {
	return s.codec.read()
}

func (s *streamTransport) Close() error {
	return s.closer.Close()
}
