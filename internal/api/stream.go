package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/events"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// streamHub fans bus events out to websocket clients.
type streamHub struct {
	bus      *events.EventBus
	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[string]*streamClient
}

type streamClient struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	once sync.Once
	// dropped counts events skipped because the client fell behind.
	dropped atomic.Uint64
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

func newStreamHub(bus *events.EventBus, allowedOrigins []string) *streamHub {
	h := &streamHub{
		bus:     bus,
		clients: make(map[string]*streamClient),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

// originChecker allows browsers from the configured origins; requests with
// no Origin header (non-browser clients) are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// handle upgrades the request and streams every bus event as JSON until the
// client goes away. ?type= limits the stream to one event type.
func (h *streamHub) handle(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	filter := events.EventType(c.Query("type"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	name := fmt.Sprintf("ws-%d", h.nextID.Add(1))
	client := &streamClient{
		conn: conn,
		send: make(chan events.Event, streamBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[name] = client
	h.mu.Unlock()

	forward := func(ctx context.Context, ev events.Event) error {
		select {
		case client.send <- ev:
		case <-client.done:
		default:
			client.dropped.Add(1)
		}
		return nil
	}
	if filter != "" {
		h.bus.Subscribe(filter, name, forward)
	} else {
		h.bus.SubscribeAll(name, forward)
	}

	log.Info().Str("client", name).Str("remote", c.ClientIP()).Msg("event stream opened")

	go h.readPump(client)
	h.writePump(client)

	if filter != "" {
		h.bus.Unsubscribe(filter, name)
	} else {
		h.bus.UnsubscribeAll(name)
	}
	h.mu.Lock()
	delete(h.clients, name)
	h.mu.Unlock()
	conn.Close()

	log.Info().Str("client", name).Uint64("dropped", client.dropped.Load()).Msg("event stream closed")
}

// readPump discards client messages and notices disconnects.
func (h *streamHub) readPump(client *streamClient) {
	defer client.close()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *streamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(ev); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.close()
				return
			}
		}
	}
}

// closeAll ends every open stream.
func (h *streamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

// count returns the number of open streams.
func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
