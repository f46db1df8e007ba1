package api

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client event names.
const (
	EventJoin         = "join"
	EventAction       = "action"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventGetWorldInfo = "getWorldInfo"
	EventError        = "error"
	EventMessage      = "message"
)

const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event"],
  "additionalProperties": false,
  "properties": {
    "event": {"enum": ["join", "action", "subscribe", "unsubscribe", "getWorldInfo"]},
    "cid": {"type": "string", "maxLength": 64},
    "data": true
  },
  "allOf": [
    {
      "if": {"properties": {"event": {"const": "join"}}},
      "then": {"required": ["data"], "properties": {"data": {"$ref": "#/$defs/join"}}}
    },
    {
      "if": {"properties": {"event": {"const": "action"}}},
      "then": {"required": ["data"], "properties": {"data": {"$ref": "#/$defs/action"}}}
    },
    {
      "if": {"properties": {"event": {"enum": ["subscribe", "unsubscribe"]}}},
      "then": {"required": ["data"], "properties": {"data": {"$ref": "#/$defs/channel"}}}
    }
  ],
  "$defs": {
    "join": {
      "type": "object",
      "required": ["name"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1, "maxLength": 32},
        "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{3,8}$"}
      }
    },
    "action": {
      "type": "object",
      "required": ["op"],
      "additionalProperties": false,
      "properties": {
        "op": {"type": "string", "pattern": "^[udlr]{0,4}$"}
      }
    },
    "channel": {
      "type": "object",
      "required": ["channel"],
      "additionalProperties": false,
      "properties": {
        "channel": {"type": "string", "minLength": 1, "maxLength": 128}
      }
    }
  }
}`

var inboundSchema = jsonschema.MustCompileString("inbound.schema.json", inboundSchemaJSON)

// Inbound is a validated client message.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	CID   string          `json:"cid,omitempty"`
}

// JoinData is the payload of a join event.
type JoinData struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// ActionData is the payload of an action event: direction letters.
type ActionData struct {
	Op string `json:"op"`
}

// ChannelData is the payload of subscribe and unsubscribe.
type ChannelData struct {
	Channel string `json:"channel"`
}

// ParseInbound validates raw against the inbound schema and decodes it.
func ParseInbound(raw []byte) (Inbound, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Inbound{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := inboundSchema.Validate(doc); err != nil {
		return Inbound{}, fmt.Errorf("invalid message: %w", err)
	}
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("invalid message: %w", err)
	}
	return msg, nil
}
