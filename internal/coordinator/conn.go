package coordinator

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/proto"
)

// wsConn adapts a gorilla websocket connection to the room.Conn interface.
// Room actors may send concurrently with the coordinator's control writes,
// so every write goes through the mutex.
type wsConn struct {
	id string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(env *proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return c.conn.Close()
}
