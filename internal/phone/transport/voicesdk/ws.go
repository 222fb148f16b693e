package voicesdk

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn carries signaling as WebSocket text frames.
type wsConn struct {
	conn net.Conn
	rw   io.ReadWriter

	wmu sync.Mutex
}

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, endpoint string) (Conn, error) {
	conn, br, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	var rw io.ReadWriter = conn
	if br != nil {
		// The handshake reader may already hold the first frames.
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return &wsConn{conn: conn, rw: rw}, nil
}

func (c *wsConn) Send(ctx context.Context, m Message) error {
	b, err := encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.rw, b)
}

// Recv blocks until a data frame arrives. Control frames are answered
// inside wsutil. Cancel by closing the connection.
func (c *wsConn) Recv(_ context.Context) (Message, error) {
	for {
		b, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			return Message{}, err
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		m, err := decode(b)
		if err != nil {
			return Message{}, fmt.Errorf("decode frame: %w", err)
		}
		return m, nil
	}
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	c.wmu.Unlock()
	return c.conn.Close()
}
