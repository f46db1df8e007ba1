// Package pubsub defines the channel fabric the world simulation talks
// through, an in-process implementation, and the payload codec.
//
// Delivery is at-most-once. Ordering is FIFO per publisher and channel, and
// unordered between channels.
package pubsub

import (
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("pubsub: broker closed")

// InternalMarker marks channels that only world workers may use.
const InternalMarker = "internal/"

// Handler receives one message. Handlers must not retain payload past the
// call unless they copy it, and must return quickly.
type Handler func(channel string, payload []byte)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Broker is the fabric used by the world loop and gateway.
type Broker interface {
	Publish(channel string, payload []byte) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}

// IsInternal reports whether channel is reserved for workers.
func IsInternal(channel string) bool {
	return strings.Contains(channel, InternalMarker)
}
