package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackhts4/gmgn-clone/internal/metrics"
)

// Message types pushed to WebSocket clients.
const (
	MsgTradeExecuted = "trade_executed"
	MsgCopyTrade     = "copy_trade"
	MsgOrderFilled   = "order_filled"
	MsgOrderFailed   = "order_failed"
)

// WSMessage is a JSON message sent to WebSocket clients. Amounts and prices
// are decimal strings.
type WSMessage struct {
	Type         string `json:"type"`
	InstrumentID string `json:"instrument_id"`
	AccountID    string `json:"account_id,omitempty"`
	LeaderID     string `json:"leader_id,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	TxID         string `json:"tx_id,omitempty"`
	Side         string `json:"side,omitempty"`
	BaseAmount   string `json:"base_amount,omitempty"`
	QuoteAmount  string `json:"quote_amount,omitempty"`
	Price        string `json:"price,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// wsClient is one connection. An empty filter receives every instrument.
type wsClient struct {
	conn   *websocket.Conn
	filter string
}

type wsEvent struct {
	instrumentID string
	data         []byte
}

// WSHub manages WebSocket connections and fans ledger events out to the
// clients subscribed to the event's instrument.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	events     chan wsEvent
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		events:     make(chan wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Close. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "filter", c.filter, "total", total)

		case conn := <-h.unregister:
			h.remove(conn)

		case ev := <-h.events:
			for _, conn := range h.deliver(ev) {
				h.remove(conn)
			}

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// deliver writes ev to every matching client and returns the ones that
// failed.
func (h *WSHub) deliver(ev wsEvent) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var dead []*websocket.Conn
	for conn, c := range h.clients {
		if c.filter != "" && c.filter != ev.instrumentID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
			dead = append(dead, conn)
		}
	}
	return dead
}

// Close stops Run and disconnects every client.
func (h *WSHub) Close() {
	close(h.done)
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Broadcast queues msg for the clients watching its instrument. A full
// queue drops the message rather than block the trade path.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.events <- wsEvent{instrumentID: msg.InstrumentID, data: data}:
	default:
		slog.Warn("ws queue full, dropping message", "type", msg.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. ?instrument_id= limits the stream to
// one instrument.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, filter: r.URL.Query().Get("instrument_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingLoop(conn)
}

// readPump discards client frames and unregisters the client once the
// connection drops or misses a pong.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.mu.RLock()
		_, ok := h.clients[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}
