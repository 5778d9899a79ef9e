package relay

import (
	"context"
	"io"
	"sync"
)

// NewPipe dials an in-process transport to ep. It supports stream transfer,
// so relays over it run in transferable mode.
func NewPipe(ep *Endpoint) Dialer {
	return func(context.Context) (Transport, error) {
		p := &pipeTransport{
			replies: make(chan Message, 64),
			closed:  make(chan struct{}),
		}
		p.conn = ep.newConn(p.deliver)
		return p, nil
	}
}

type pipeTransport struct {
	conn      *endpointConn
	replies   chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

var _ StreamTransferer = (*pipeTransport)(nil)

func (p *pipeTransport) Send(_ context.Context, msg Message) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	p.conn.handle(msg)
	return nil
}

func (p *pipeTransport) Transfer(_ context.Context, session string, r io.Reader) error {
	return p.conn.transfer(session, r)
}

func (p *pipeTransport) Receive() (Message, error) {
	select {
	case msg := <-p.replies:
		return msg, nil
	case <-p.closed:
		return Message{}, ErrTransportClosed
	}
}

func (p *pipeTransport) deliver(msg Message) error {
	select {
	case p.replies <- msg:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.close()
	})
	return nil
}
