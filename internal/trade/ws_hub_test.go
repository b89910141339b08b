package trade

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		got := len(h.clients)
		h.mu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d ws clients", n)
}

func readMsg(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestWSHub_FiltersByInstrument(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	doge := dial(t, srv, "?instrument_id=doge")
	waitClients(t, hub, 2)

	hub.Broadcast(WSMessage{Type: MsgTradeExecuted, InstrumentID: "pepe", Price: "0.04"})
	hub.Broadcast(WSMessage{Type: MsgOrderFilled, InstrumentID: "doge", OrderID: "o1"})

	if m := readMsg(t, all); m.InstrumentID != "pepe" || m.Type != MsgTradeExecuted {
		t.Errorf("unfiltered client: expected pepe trade first, got %+v", m)
	}
	if m := readMsg(t, all); m.InstrumentID != "doge" {
		t.Errorf("unfiltered client: expected doge second, got %+v", m)
	}
	if m := readMsg(t, doge); m.InstrumentID != "doge" || m.OrderID != "o1" {
		t.Errorf("filtered client: expected only the doge fill, got %+v", m)
	}
}

func TestWSHub_UnregistersClosedClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}
