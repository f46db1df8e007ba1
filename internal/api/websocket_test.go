package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"iogrid/internal/game"
	"iogrid/internal/pubsub"
)

type gatewayHarness struct {
	worlds *fakeWorlds
	broker *pubsub.Memory
	server *Server
	ts     *httptest.Server
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	h := &gatewayHarness{worlds: newFakeWorlds(), broker: pubsub.NewSyncMemory()}
	h.server = NewServer(RouterConfig{
		Worlds:          h.worlds,
		Broker:          h.broker,
		RateLimitConfig: &RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		DisableLogging:  true,
	})
	h.ts = httptest.NewServer(h.server.Router())
	t.Cleanup(func() {
		h.ts.Close()
		h.server.Gateway().Close()
		h.broker.Close()
	})
	return h
}

func (h *gatewayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readReply(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("reply kind = %d, want text", kind)
	}
	var out Outbound
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode reply %s: %v", raw, err)
	}
	return out
}

func TestGatewayJoin(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"event":"join","cid":"1","data":{"name":"ana","color":"#ff0000"}}`)
	out := readReply(t, conn)
	if out.Event != EventJoin || out.CID != "1" || out.Error != "" {
		t.Fatalf("join reply = %+v", out)
	}
	state, _ := out.Data.(map[string]any)
	if state["name"] != "ana" || state["type"] != string(game.TypePlayer) {
		t.Errorf("join state = %v", out.Data)
	}

	send(t, conn, `{"event":"join","cid":"2","data":{"name":"ana"}}`)
	if out := readReply(t, conn); out.Event != EventError || out.Error != "already joined" || out.CID != "2" {
		t.Errorf("second join = %+v", out)
	}
}

func TestGatewayPlayerLimit(t *testing.T) {
	h := newGatewayHarness(t)
	h.worlds.limit = 1
	a, b := h.dial(t), h.dial(t)

	send(t, a, `{"event":"join","data":{"name":"a"}}`)
	if out := readReply(t, a); out.Event != EventJoin {
		t.Fatalf("first join = %+v", out)
	}
	send(t, b, `{"event":"join","data":{"name":"b"}}`)
	if out := readReply(t, b); out.Error != "player limit reached" {
		t.Errorf("second join = %+v", out)
	}
}

func TestGatewayRejectsInvalidMessages(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	tests := []string{
		`not json`,
		`{"event":"explode"}`,
		`{"event":"join","data":{"name":""}}`,
		`{"event":"action","data":{"op":"x"}}`,
		`{"event":"subscribe"}`,
	}
	for _, msg := range tests {
		send(t, conn, msg)
		if out := readReply(t, conn); out.Event != EventError || out.Error == "" {
			t.Errorf("%s: reply = %+v", msg, out)
		}
	}
}

func TestGatewayForbidsInternalChannels(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"event":"subscribe","cid":"s","data":{"channel":"cell(0,0)internal/cell-transition"}}`)
	if out := readReply(t, conn); out.Event != EventError || out.Error != "forbidden channel" {
		t.Errorf("reply = %+v", out)
	}
}

func TestGatewayForwardsCellData(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	channel := "cell(1,0)cell-data"
	send(t, conn, `{"event":"subscribe","cid":"s","data":{"channel":"`+channel+`"}}`)
	if out := readReply(t, conn); out.Event != EventSubscribe || out.CID != "s" {
		t.Fatalf("subscribe reply = %+v", out)
	}

	states := []game.ClientState{{ID: "c1", Type: game.TypeCoin, X: 1200, Y: 300, R: 10, Value: 1}}
	if err := pubsub.PublishValue(h.broker, channel, states); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("kind = %d, want binary", kind)
	}
	var frame struct {
		Event   string             `msgpack:"event"`
		Channel string             `msgpack:"channel"`
		Data    []game.ClientState `msgpack:"data"`
	}
	if err := msgpack.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != EventMessage || frame.Channel != channel {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.Data) != 1 || frame.Data[0].ID != "c1" || frame.Data[0].Value != 1 {
		t.Errorf("data = %+v", frame.Data)
	}

	send(t, conn, `{"event":"unsubscribe","cid":"u","data":{"channel":"`+channel+`"}}`)
	if out := readReply(t, conn); out.Event != EventUnsubscribe {
		t.Fatalf("unsubscribe reply = %+v", out)
	}
	pubsub.PublishValue(h.broker, channel, states)
	send(t, conn, `{"event":"getWorldInfo","cid":"w"}`)
	if out := readReply(t, conn); out.Event != EventGetWorldInfo || out.CID != "w" {
		t.Errorf("expected world info after unsubscribe, got %+v", out)
	}
}

func TestGatewayActionAndLeave(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"event":"join","data":{"name":"ana"}}`)
	out := readReply(t, conn)
	id := out.Data.(map[string]any)["id"].(string)

	send(t, conn, `{"event":"action","data":{"op":"ur"}}`)
	// World info is answered in order, so the action has been handled.
	send(t, conn, `{"event":"getWorldInfo"}`)
	readReply(t, conn)

	ops := h.worlds.opsFor(id)
	if len(ops) != 1 || ops[0].String() != "ur" {
		t.Errorf("ops = %v", ops)
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if left := h.worlds.leftIDs(); len(left) == 1 {
			if left[0] != id {
				t.Errorf("left = %v, want %s", left, id)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("disconnect did not remove the player")
}
