package pubsub

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes v with MessagePack.
func Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes a MessagePack payload into v.
func Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pubsub: decode: %w", err)
	}
	return nil
}

// PublishValue encodes v and publishes it on channel.
func PublishValue(b Broker, channel string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return b.Publish(channel, data)
}
