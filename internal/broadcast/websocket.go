package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orrn/kiosk/internal/core"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The kiosk frontend is served from a different local port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is a websocket subscriber. gorilla connections allow one concurrent
// writer, so every write goes through writeMu.
type Conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(ctx context.Context, msg core.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultSendTimeout))
}

// Serve upgrades the request, registers the connection with the hub and
// blocks until the client goes away. The client never sends anything the
// kiosk acts on; reads only detect closure.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Conn{id: uuid.NewString(), ws: ws}
	h.Connect(c)
	defer func() {
		h.Disconnect(c)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(c, done)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket closed unexpectedly", "subscriber", c.id, "error", err)
			}
			return nil
		}
	}
}

func (h *Hub) keepAlive(c *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				h.log.Debug("ping failed", "subscriber", c.id, "error", err)
				return
			}
		}
	}
}

var _ Subscriber = (*Conn)(nil)
