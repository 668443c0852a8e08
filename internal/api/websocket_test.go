package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/internal/events"
)

type wsTestMessage struct {
	Type        string          `json:"type"`
	Event       string          `json:"event,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	WorkOrderID string          `json:"work_order_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func dialWS(t *testing.T, h *apiHarness, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsTestMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsTestMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketStreamsOrderEvents(t *testing.T) {
	h := newAPIHarness(t)
	conn := dialWS(t, h, "?order=wo-a")

	ack := readWS(t, conn)
	if ack.Type != "subscribed" || ack.OrderID != "wo-a" {
		t.Fatalf("ack = %+v", ack)
	}

	h.pub.Publish(events.NewEvent(events.EventCanceled, "wo-a", events.CanceledData{WasRunning: false}))
	// An event for another order must not reach this connection.
	h.pub.Publish(events.NewEvent(events.EventCanceled, "wo-other", events.CanceledData{}))

	msg := readWS(t, conn)
	if msg.Type != "event" || msg.Event != string(events.EventCanceled) {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.WorkOrderID != "wo-a" {
		t.Errorf("work_order_id = %q, want wo-a", msg.WorkOrderID)
	}

	// Confirm isolation with a follow-up on the subscribed order.
	h.pub.Publish(events.NewEvent(events.EventStaleDetected, "wo-a", events.StaleDetectedData{Classification: "dead"}))
	msg = readWS(t, conn)
	if msg.WorkOrderID != "wo-a" || msg.Event != string(events.EventStaleDetected) {
		t.Errorf("second msg = %+v, want the wo-a stale event (the wo-other event must be skipped)", msg)
	}
}

func TestWebSocketGlobalSubscription(t *testing.T) {
	h := newAPIHarness(t)
	conn := dialWS(t, h, "")

	ack := readWS(t, conn)
	if ack.Type != "subscribed" || ack.OrderID != events.GlobalID {
		t.Fatalf("ack = %+v, want global subscription", ack)
	}

	h.pub.Publish(events.NewEvent(events.EventCanceled, "wo-anything", events.CanceledData{}))
	msg := readWS(t, conn)
	if msg.Type != "event" || msg.WorkOrderID != "wo-anything" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWebSocketResubscribe(t *testing.T) {
	h := newAPIHarness(t)
	conn := dialWS(t, h, "?order=wo-a")
	_ = readWS(t, conn) // initial ack

	if err := conn.WriteJSON(WSMessage{Type: "subscribe", OrderID: "wo-b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readWS(t, conn)
	if ack.Type != "subscribed" || ack.OrderID != "wo-b" {
		t.Fatalf("ack = %+v", ack)
	}

	h.pub.Publish(events.NewEvent(events.EventCanceled, "wo-b", events.CanceledData{}))
	msg := readWS(t, conn)
	if msg.WorkOrderID != "wo-b" {
		t.Errorf("msg = %+v, want wo-b event", msg)
	}
}

func TestWebSocketPingAndUnknownType(t *testing.T) {
	h := newAPIHarness(t)
	conn := dialWS(t, h, "")
	_ = readWS(t, conn) // initial ack

	if err := conn.WriteJSON(WSMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "pong" {
		t.Errorf("msg = %+v, want pong", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "teleport"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "error" || !strings.Contains(msg.Error, "teleport") {
		t.Errorf("msg = %+v, want unknown-type error", msg)
	}
}
