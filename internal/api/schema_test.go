package api

import (
	"strings"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		event string
		ok    bool
	}{
		{"join", `{"event":"join","data":{"name":"ana","color":"#12ab9f"}}`, EventJoin, true},
		{"join without color", `{"event":"join","data":{"name":"ana"}}`, EventJoin, true},
		{"join bad color", `{"event":"join","data":{"name":"ana","color":"red"}}`, "", false},
		{"join long name", `{"event":"join","data":{"name":"` + strings.Repeat("a", 33) + `"}}`, "", false},
		{"join missing data", `{"event":"join"}`, "", false},
		{"action", `{"event":"action","data":{"op":"ul"}}`, EventAction, true},
		{"action idle", `{"event":"action","data":{"op":""}}`, EventAction, true},
		{"action bad op", `{"event":"action","data":{"op":"jump"}}`, "", false},
		{"action extra field", `{"event":"action","data":{"op":"u","speed":9}}`, "", false},
		{"subscribe", `{"event":"subscribe","cid":"7","data":{"channel":"cell(0,0)cell-data"}}`, EventSubscribe, true},
		{"unsubscribe empty channel", `{"event":"unsubscribe","data":{"channel":""}}`, "", false},
		{"world info", `{"event":"getWorldInfo"}`, EventGetWorldInfo, true},
		{"unknown event", `{"event":"teleport"}`, "", false},
		{"unknown field", `{"event":"getWorldInfo","x":1}`, "", false},
		{"not an object", `[1,2]`, "", false},
		{"not json", `{`, "", false},
	}

	for _, tt := range tests {
		msg, err := ParseInbound([]byte(tt.raw))
		if tt.ok {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
				continue
			}
			if msg.Event != tt.event {
				t.Errorf("%s: event = %q, want %q", tt.name, msg.Event, tt.event)
			}
		} else if err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestParseInboundCID(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"event":"subscribe","cid":"abc","data":{"channel":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.CID != "abc" || string(msg.Data) != `{"channel":"x"}` {
		t.Errorf("msg = %+v", msg)
	}
}
