package hub

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// conn is one upgraded WebSocket. Writes from the read loop, the keepalive
// pinger and other users' routers are serialized by writeMu.
type conn struct {
	id string
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{id: uuid.NewString(), ws: ws}
}

func (c *conn) ID() string { return c.id }

// Send writes v as a JSON text frame.
func (c *conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
