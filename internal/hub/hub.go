// Package hub fans realtime frames out between the clients of each room.
//
// A single Run goroutine owns every room's client set and cached buffer.
// Each client has a read pump, which decodes and forwards frames to Run,
// and a write pump, which drains its buffered send channel. A client whose
// send buffer is full is dropped rather than allowed to stall the room.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"paircode/internal/observability"
	"paircode/internal/protocol"
	"paircode/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
	unknownUser    = "unknown"
)

var ErrStopped = errors.New("hub stopped")

// Publisher forwards a room frame to other server instances.
type Publisher interface {
	Publish(ctx context.Context, room string, data []byte) error
}

// Client is one connected participant.
type Client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
}

type join struct {
	client *Client
	code   string
}

type fanout struct {
	room   string
	data   []byte
	except *Client
	// code is set for code_update frames so the room cache follows.
	code *string
}

type room struct {
	clients map[*Client]bool
	code    string
}

// Hub maintains the rooms and broadcasts frames to their clients.
type Hub struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	rooms      map[string]*room
	register   chan join
	unregister chan *Client
	broadcast  chan fanout
	done       chan struct{}

	statsMu sync.Mutex
	stats   map[string]int
}

type Options struct {
	Store     store.Store
	Publisher Publisher
	Logger    *slog.Logger
}

func New(opts Options) *Hub {
	return &Hub{
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    observability.WithComponent(opts.Logger, "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:      make(map[string]*room),
		register:   make(chan join),
		unregister: make(chan *Client),
		broadcast:  make(chan fanout),
		done:       make(chan struct{}),
		stats:      make(map[string]int),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, r := range h.rooms {
				for c := range r.clients {
					close(c.send)
				}
				delete(h.rooms, id)
			}
			h.publishStats()
			return
		case j := <-h.register:
			r, ok := h.rooms[j.client.room]
			if !ok {
				r = &room{clients: make(map[*Client]bool), code: j.code}
				h.rooms[j.client.room] = r
			}
			r.clients[j.client] = true
			// The cached buffer is newer than the store when the room is live.
			h.enqueue(r, j.client, h.codeFrame(j.client.room, r.code))
			h.logger.Info("client joined", "room", j.client.room, "client", j.client.id, "clients", len(r.clients))
			h.publishStats()
		case c := <-h.unregister:
			h.remove(c)
		case f := <-h.broadcast:
			r, ok := h.rooms[f.room]
			if !ok {
				continue
			}
			if f.code != nil {
				r.code = *f.code
			}
			for c := range r.clients {
				if c != f.except {
					h.enqueue(r, c, f.data)
				}
			}
		}
	}
}

// enqueue drops c when its send buffer is full.
func (h *Hub) enqueue(r *room, c *Client, data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping slow client", "room", c.room, "client", c.id)
		delete(r.clients, c)
		close(c.send)
		if len(r.clients) == 0 {
			delete(h.rooms, c.room)
		}
		h.publishStats()
	}
}

func (h *Hub) remove(c *Client) {
	r, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	close(c.send)
	if len(r.clients) == 0 {
		delete(h.rooms, c.room)
	}
	h.logger.Info("client left", "room", c.room, "client", c.id, "clients", len(r.clients))
	h.publishStats()
}

func (h *Hub) publishStats() {
	counts := make(map[string]int, len(h.rooms))
	for id, r := range h.rooms {
		counts[id] = len(r.clients)
	}
	h.statsMu.Lock()
	h.stats = counts
	h.statsMu.Unlock()
}

// Clients returns the number of clients connected to roomID.
func (h *Hub) Clients(roomID string) int {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats[roomID]
}

// Rooms returns the number of rooms with at least one client.
func (h *Hub) Rooms() int {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return len(h.stats)
}

func (h *Hub) codeFrame(roomID, code string) []byte {
	data, err := protocol.Encode(protocol.CodeUpdate{Code: code, SessionID: roomID})
	if err != nil {
		h.logger.Error("encode code update", "room", roomID, "error", err)
		return nil
	}
	return data
}

// ServeWS upgrades the request and joins the client to roomID, creating
// the session if it does not exist.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomID string) {
	sess, err := h.store.GetOrCreate(r.Context(), roomID)
	if err != nil {
		h.logger.Error("load room", "room", roomID, "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "room", roomID, "error", err)
		return
	}
	client := &Client{
		id:   uuid.NewString(),
		room: roomID,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- join{client: client, code: sess.Code}:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(client)
	go h.readPump(client)
}

// Deliver fans a frame received from another instance out to the local
// clients of roomID.
func (h *Hub) Deliver(roomID string, data []byte) {
	f := fanout{room: roomID, data: data}
	if msg, err := protocol.Decode(data); err == nil {
		if u, ok := msg.(protocol.CodeUpdate); ok {
			code := u.Code
			f.code = &code
		}
	}
	h.send(f)
}

func (h *Hub) send(f fanout) bool {
	select {
	case h.broadcast <- f:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed", "room", c.room, "client", c.id, "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			h.logger.Debug("dropping malformed frame", "room", c.room, "client", c.id, "error", err)
			continue
		}
		if !h.handle(c, msg) {
			return
		}
	}
}

func (h *Hub) handle(c *Client, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.CodeUpdate:
		if err := h.store.UpdateCode(context.Background(), c.room, m.Code); err != nil {
			h.logger.Error("persist code", "room", c.room, "error", err)
		}
		data := h.codeFrame(c.room, m.Code)
		if data == nil {
			return true
		}
		code := m.Code
		if !h.send(fanout{room: c.room, data: data, except: c, code: &code}) {
			return false
		}
		h.relay(c.room, data)
	case protocol.CursorUpdate:
		if m.UserID == "" {
			m.UserID = unknownUser
		}
		data, err := protocol.Encode(m)
		if err != nil {
			h.logger.Error("encode cursor update", "room", c.room, "error", err)
			return true
		}
		if !h.send(fanout{room: c.room, data: data, except: c}) {
			return false
		}
		h.relay(c.room, data)
	default:
		h.logger.Debug("ignoring frame", "room", c.room, "kind", msg.Kind())
	}
	return true
}

func (h *Hub) relay(roomID string, data []byte) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(context.Background(), roomID, data); err != nil {
		h.logger.Warn("relay publish failed", "room", roomID, "error", err)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
