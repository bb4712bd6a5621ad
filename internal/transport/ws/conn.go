// Package ws implements the streaming channel: GraphQL subscriptions over a
// persistent WebSocket using the subscriptions-transport-ws life cycle with
// protobuf frames.
package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/roomlink/pkg/protocol"
)

// Subprotocol is the WebSocket subprotocol offered on dial.
const Subprotocol = "graphql-ws"

// Conn is a message oriented connection to the backend.
type Conn interface {
	// Read blocks until a whole message arrives. A deadline on ctx bounds the
	// wait.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one binary message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error
}

// DialFunc opens a Conn to url presenting authorization in the handshake.
type DialFunc func(ctx context.Context, url, authorization string) (Conn, error)

// Dial opens a gobwas/ws client connection. The authorization value is sent
// as the Authorization handshake header.
func Dial(ctx context.Context, url, authorization string) (Conn, error) {
	header := http.Header{}
	if authorization != "" {
		header.Set("Authorization", authorization)
	}
	d := ws.Dialer{
		Protocols: []string{Subprotocol},
		Header:    ws.HandshakeHeaderHTTP(header),
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.Timeout = time.Until(deadline)
	}

	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", protocol.ErrTransport, url, err)
	}
	return NewConn(conn, br), nil
}

// wsConn adapts a gobwas client connection to Conn.
type wsConn struct {
	conn net.Conn
	rw   io.ReadWriter
	wmu  *sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a client side net.Conn returned by a gobwas dial. br holds
// bytes buffered during the handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) Conn {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	mu := &sync.Mutex{}
	return &wsConn{
		conn: conn,
		// Control replies written while reading share the write lock.
		rw: struct {
			io.Reader
			io.Writer
		}{r, &lockedWriter{mu: mu, w: conn}},
		wmu: mu,
	}
}

// Read implements Conn.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	data, _, err := wsutil.ReadServerData(c.rw)
	return data, err
}

// Write implements Conn.
func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientBinary(c.conn, data)
}

// Close implements Conn. It sends a normal closure frame before closing.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
