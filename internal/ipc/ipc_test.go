package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		compressed bool
	}{
		{"small", []byte("hello"), false},
		{"large", bytes.Repeat([]byte("cell(0,0)"), 2000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			in := Envelope{Channel: "cell(0,0)cell-data", Payload: tt.payload}
			if err := WriteMessage(&buf, MsgPublish, in); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			if got := buf.Bytes()[3]&FlagCompressed != 0; got != tt.compressed {
				t.Errorf("compressed flag = %v, want %v", got, tt.compressed)
			}

			frame, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if frame.Type != MsgPublish {
				t.Errorf("type = %#x", frame.Type)
			}
			var out Envelope
			if err := frame.Decode(&out); err != nil {
				t.Fatal(err)
			}
			if out.Channel != in.Channel || !bytes.Equal(out.Payload, in.Payload) {
				t.Error("envelope changed in transit")
			}
		})
	}
}

func TestReadMessageRejects(t *testing.T) {
	header := func(version uint16, length uint32) []byte {
		b := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint16(b[0:2], version)
		b[2] = MsgPing
		binary.LittleEndian.PutUint32(b[4:8], length)
		return b
	}

	if _, err := ReadMessage(bytes.NewReader(header(ProtocolVersion+1, 0))); err == nil {
		t.Error("accepted a version mismatch")
	}
	_, err := ReadMessage(bytes.NewReader(header(ProtocolVersion, MaxMessageSize+1)))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversize err = %v", err)
	}
	if _, err := ReadMessage(bytes.NewReader(header(ProtocolVersion, 10))); err == nil {
		t.Error("accepted a truncated body")
	}
}

func TestToken(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := IssueToken(secret, "iogrid:1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w, err := VerifyToken(secret, tok); err != nil || w != "iogrid:1" {
		t.Errorf("VerifyToken = %q, %v", w, err)
	}

	if _, err := VerifyToken([]byte("other"), tok); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong secret err = %v", err)
	}
	expired, _ := IssueToken(secret, "iogrid:1", -time.Minute)
	if _, err := VerifyToken(secret, expired); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired err = %v", err)
	}
	if _, err := VerifyToken(secret, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty err = %v", err)
	}
}

func startHub(t *testing.T, secret string) *Hub {
	t.Helper()
	hub := NewHub(HubConfig{Network: "tcp", Address: "127.0.0.1:0", Secret: secret}, zap.NewNop())
	if err := hub.Start(); err != nil {
		t.Fatalf("hub.Start: %v", err)
	}
	t.Cleanup(hub.Stop)
	return hub
}

func startClient(t *testing.T, hub *Hub, worker, secret string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Network: "tcp",
		Address: hub.Addr().String(),
		Worker:  worker,
		Secret:  secret,
	}, zap.NewNop())
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c
}

// TestHubRoutesPublish publishes from one worker until the other, which
// subscribed first, sees the payload.
func TestHubRoutesPublish(t *testing.T) {
	hub := startHub(t, "secret")
	a := startClient(t, hub, "iogrid:0", "secret")
	b := startClient(t, hub, "iogrid:1", "secret")

	got := make(chan []byte, 16)
	if _, err := a.Subscribe("internal/cell-transition", func(_ string, p []byte) {
		got <- append([]byte(nil), p...)
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case p := <-got:
			if string(p) != "payload" {
				t.Fatalf("payload = %q", p)
			}
			return
		case <-tick.C:
			b.Publish("internal/cell-transition", []byte("payload"))
		case <-deadline:
			t.Fatal("no delivery through the hub")
		}
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	hub := startHub(t, "secret")

	conn, err := net.Dial("tcp", hub.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	tok, _ := IssueToken([]byte("wrong"), "iogrid:0", time.Minute)
	if err := WriteMessage(conn, MsgHello, Hello{Worker: "iogrid:0", Token: tok}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = ReadMessage(conn)
	var netErr net.Error
	if err == nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		t.Fatalf("connection not closed by hub: %v", err)
	}
}

func TestClientUnsubscribeIdempotent(t *testing.T) {
	hub := startHub(t, "")
	c := startClient(t, hub, "iogrid:0", "")

	var mu sync.Mutex
	calls := 0
	sub, err := c.Subscribe("ch", func(string, []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	c.dispatch(Envelope{Channel: "ch", Payload: []byte("x")})
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
}

func TestClientClosed(t *testing.T) {
	c := NewClient(ClientConfig{Network: "tcp", Address: "127.0.0.1:1", Worker: "w"}, nil)
	c.Start()
	c.Close()
	if err := c.Publish("ch", nil); err == nil {
		t.Error("Publish after Close succeeded")
	}
	if _, err := c.Subscribe("ch", func(string, []byte) {}); err == nil {
		t.Error("Subscribe after Close succeeded")
	}
}
