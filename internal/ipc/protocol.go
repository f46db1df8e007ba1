// Package ipc carries pub/sub traffic between world workers running in
// separate processes. A Hub routes messages; each worker process runs a
// Client, which implements pubsub.Broker.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Message types
	MsgHello       byte = 0x01
	MsgSubscribe   byte = 0x02
	MsgUnsubscribe byte = 0x03
	MsgPublish     byte = 0x04
	MsgDeliver     byte = 0x05
	MsgPing        byte = 0x06
	MsgPong        byte = 0x07

	// Protocol version for compatibility checking
	ProtocolVersion uint16 = 2

	// FlagCompressed marks a zstd-compressed body.
	FlagCompressed byte = 0x01

	// Bodies above CompressThreshold bytes are compressed.
	CompressThreshold = 4 * 1024

	// Connection settings
	MaxMessageSize = 4 * 1024 * 1024
	WriteTimeout   = 500 * time.Millisecond
	HelloTimeout   = 5 * time.Second
	IdleTimeout    = 30 * time.Second
	PingInterval   = 5 * time.Second
	ReconnectDelay = 500 * time.Millisecond
	DialTimeout    = time.Second
)

// ErrMessageTooLarge is returned for frames over MaxMessageSize.
var ErrMessageTooLarge = errors.New("ipc: message too large")

// Header is the message header for framing
type Header struct {
	Version uint16
	Type    byte
	Flags   byte
	Length  uint32
}

const HeaderSize = 8 // 2 + 1 + 1 + 4

// Hello is the first frame a client sends.
type Hello struct {
	Worker string `msgpack:"worker"`
	Token  string `msgpack:"token,omitempty"`
}

// Envelope is the body of subscribe, unsubscribe, publish and deliver frames.
type Envelope struct {
	Channel string `msgpack:"ch"`
	Payload []byte `msgpack:"p,omitempty"`
}

// Frame is one decoded message.
type Frame struct {
	Type byte
	Body []byte
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeFrame serializes v with msgpack and frames it. A nil v produces an
// empty body.
func EncodeFrame(msgType byte, v any) ([]byte, error) {
	var body []byte
	if v != nil {
		var err error
		body, err = msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("msgpack encode: %w", err)
		}
	}

	var flags byte
	if len(body) > CompressThreshold {
		body = zenc.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= FlagCompressed
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(body), MaxMessageSize)
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint16(buf[0:2], ProtocolVersion)
	buf[2] = msgType
	buf[3] = flags
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// WriteMessage writes a framed message to the connection
func WriteMessage(w io.Writer, msgType byte, v any) error {
	frame, err := EncodeFrame(msgType, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a framed message from the connection and inflates a
// compressed body.
func ReadMessage(r io.Reader) (Frame, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}

	header := Header{
		Version: binary.LittleEndian.Uint16(headerBuf[0:2]),
		Type:    headerBuf[2],
		Flags:   headerBuf[3],
		Length:  binary.LittleEndian.Uint32(headerBuf[4:8]),
	}

	if header.Version != ProtocolVersion {
		return Frame{}, fmt.Errorf("version mismatch: got %d, want %d", header.Version, ProtocolVersion)
	}
	if header.Length > MaxMessageSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, header.Length, MaxMessageSize)
	}

	var body []byte
	if header.Length > 0 {
		body = make([]byte, header.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, fmt.Errorf("read body: %w", err)
		}
	}

	if header.Flags&FlagCompressed != 0 {
		inflated, err := zdec.DecodeAll(body, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("zstd decode: %w", err)
		}
		if len(inflated) > MaxMessageSize {
			return Frame{}, fmt.Errorf("%w: inflated %d", ErrMessageTooLarge, len(inflated))
		}
		body = inflated
	}

	return Frame{Type: header.Type, Body: body}, nil
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
