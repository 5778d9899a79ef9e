package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// DialWebSocket dials an endpoint served by Endpoint.ServeHTTP. Relays over a
// websocket run in message mode.
func DialWebSocket(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex
}

func (w *wsTransport) Send(_ context.Context, msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsTransport) Receive() (Message, error) {
	var msg Message
	if err := w.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (w *wsTransport) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
