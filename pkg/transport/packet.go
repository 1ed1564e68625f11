package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO frame types, the first byte of every websocket text message.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineNoop    byte = '6'
)

// PacketType is the Socket.IO packet type carried inside an Engine.IO message frame.
type PacketType byte

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
)

var ErrMalformedPacket = errors.New("malformed socket.io packet")

// Packet is one decoded Socket.IO packet on the default namespace.
type Packet struct {
	Type  PacketType
	ID    int64
	HasID bool
	Data  json.RawMessage
}

// Event is an inbound event with its raw arguments.
type Event struct {
	Name  string
	Args  []json.RawMessage
	AckID int64
	Ack   bool
}

// Arg returns the i-th argument or nil.
func (e Event) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// Encode renders the packet as an Engine.IO message frame.
func (p Packet) Encode() []byte {
	buf := make([]byte, 0, 2+len(p.Data)+8)
	buf = append(buf, engineMessage, byte('0'+p.Type))
	if p.HasID {
		buf = strconv.AppendInt(buf, p.ID, 10)
	}
	buf = append(buf, p.Data...)
	return buf
}

// DecodePacket parses the payload of an Engine.IO message frame
// (everything after the leading '4').
func DecodePacket(payload []byte) (Packet, error) {
	if len(payload) == 0 {
		return Packet{}, ErrMalformedPacket
	}
	t := payload[0]
	if t < '0' || t > '6' {
		return Packet{}, fmt.Errorf("%w: type %q", ErrMalformedPacket, t)
	}
	p := Packet{Type: PacketType(t - '0')}
	rest := payload[1:]

	// binary attachments count, unsupported
	if p.Type > PacketConnectError {
		return Packet{}, fmt.Errorf("%w: binary packets are not supported", ErrMalformedPacket)
	}

	// namespace other than the default one
	if len(rest) > 0 && rest[0] == '/' {
		i := 0
		for i < len(rest) && rest[i] != ',' {
			i++
		}
		if i == len(rest) {
			rest = nil
		} else {
			rest = rest[i+1:]
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseInt(string(rest[:i]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.ID, p.HasID = id, true
		rest = rest[i:]
	}
	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, fmt.Errorf("%w: invalid json body", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EncodeEvent builds an event packet; ackID < 0 means no acknowledgement is requested.
func EncodeEvent(ackID int64, name string, args ...any) ([]byte, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event '%s': %w", name, err)
	}
	p := Packet{Type: PacketEvent, Data: data}
	if ackID >= 0 {
		p.ID, p.HasID = ackID, true
	}
	return p.Encode(), nil
}

// EncodeAck builds the acknowledgement for an inbound event.
func EncodeAck(ackID int64, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ack: %w", err)
	}
	return Packet{Type: PacketAck, ID: ackID, HasID: true, Data: data}.Encode(), nil
}

// ParseEvent splits an event packet body into name and arguments.
func ParseEvent(p Packet) (Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return Event{}, fmt.Errorf("%w: event body: %v", ErrMalformedPacket, err)
	}
	if len(items) == 0 {
		return Event{}, fmt.Errorf("%w: empty event", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return Event{}, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	return Event{Name: name, Args: items[1:], AckID: p.ID, Ack: p.HasID}, nil
}
