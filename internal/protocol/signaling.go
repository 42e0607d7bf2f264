package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Envelope is the unit exchanged with the relay: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// DecodeEnvelope parses one relay message.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return env, nil
}

// User is a roster entry. JoinedAt is unix milliseconds.
type User struct {
	SocketID string `json:"socketId"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

// UsersUpdate is the payload of users:update.
type UsersUpdate struct {
	Type        string `json:"type"`
	OnlineUsers []User `json:"onlineUsers"`
	User        User   `json:"user"`
}

// Connect is the payload of the connect event.
type Connect struct {
	SocketID string `json:"socketId"`
}

func DecodeUsersUpdate(env Envelope) (*UsersUpdate, error) {
	var u UsersUpdate
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return nil, fmt.Errorf("%w: users:update: %v", ErrMalformedEnvelope, err)
	}
	if u.Type != UpdateAdd && u.Type != UpdateRemove {
		return nil, fmt.Errorf("%w: users:update type %q", ErrMalformedEnvelope, u.Type)
	}
	return &u, nil
}

func DecodeConnect(env Envelope) (string, error) {
	var c Connect
	if err := json.Unmarshal(env.Data, &c); err != nil {
		return "", fmt.Errorf("%w: connect: %v", ErrMalformedEnvelope, err)
	}
	if c.SocketID == "" {
		return "", fmt.Errorf("%w: connect without socketId", ErrMalformedEnvelope)
	}
	return c.SocketID, nil
}

// SignalKind names the three negotiation payloads.
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Event returns the relay event that carries k.
func (k SignalKind) Event() string {
	switch k {
	case SignalOffer:
		return EventWebRTCOffer
	case SignalAnswer:
		return EventWebRTCAnswer
	default:
		return EventWebRTCICECandidate
	}
}

// Signal is a negotiation message routed through the relay. Outbound signals
// set TargetID, inbound ones carry SourceID. Exactly one of Description or
// Candidate is set, matching Kind.
type Signal struct {
	Kind        SignalKind
	SourceID    string
	TargetID    string
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

type signalWire struct {
	TargetID  string                     `json:"targetId,omitempty"`
	SourceID  string                     `json:"sourceId,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// EncodeSignal builds the relay envelope for s.
func EncodeSignal(s Signal) (Envelope, error) {
	w := signalWire{TargetID: s.TargetID, SourceID: s.SourceID}
	switch s.Kind {
	case SignalOffer:
		w.Offer = s.Description
	case SignalAnswer:
		w.Answer = s.Description
	case SignalCandidate:
		w.Candidate = s.Candidate
	default:
		return Envelope{}, fmt.Errorf("unknown signal kind %d", s.Kind)
	}
	if w.Offer == nil && w.Answer == nil && w.Candidate == nil {
		return Envelope{}, fmt.Errorf("%s signal without payload", s.Kind)
	}
	return NewEnvelope(s.Kind.Event(), w)
}

// DecodeSignal parses a webrtc:* envelope.
func DecodeSignal(env Envelope) (*Signal, error) {
	var w signalWire
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, env.Event, err)
	}

	s := &Signal{SourceID: w.SourceID, TargetID: w.TargetID}
	switch env.Event {
	case EventWebRTCOffer:
		s.Kind, s.Description = SignalOffer, w.Offer
	case EventWebRTCAnswer:
		s.Kind, s.Description = SignalAnswer, w.Answer
	case EventWebRTCICECandidate:
		s.Kind, s.Candidate = SignalCandidate, w.Candidate
	default:
		return nil, fmt.Errorf("%w: %s is not a signal", ErrMalformedEnvelope, env.Event)
	}

	if s.Description == nil && s.Candidate == nil {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, env.Event)
	}
	return s, nil
}

// IsSignal reports whether event carries negotiation data.
func IsSignal(event string) bool {
	return event == EventWebRTCOffer || event == EventWebRTCAnswer || event == EventWebRTCICECandidate
}
