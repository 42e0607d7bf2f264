package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Codec converts control messages to and from their JSON text form. Every
// encoded object carries a "type" field naming the message.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ

	return json.Marshal(fields)
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var msg Message
	switch head.Type {
	case MsgFileMeta:
		msg = &FileMeta{}
	case MsgFileComplete:
		msg = &FileComplete{}
	case MsgPing:
		msg = &Ping{}
	case MsgPong:
		msg = &Pong{}
	case MsgText:
		msg = &TextMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedEnvelope, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return msg, nil
}
