package protocol

const (
	// ChunkSize is the payload size of one binary frame.
	ChunkSize = 16384
	// MaxTransferIDLen is the conventional upper bound on transfer id bytes.
	// DecodeFrame does not enforce it.
	MaxTransferIDLen = 36
	// frameHeaderSize is the uint32 length prefix of a frame.
	frameHeaderSize = 4
)

// MessageType is the "type" discriminator of a data-channel control message.
type MessageType string

const (
	MsgFileComplete MessageType = "file-complete"
	MsgFileMeta     MessageType = "file-meta"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
	MsgText         MessageType = "text"
)

func (t MessageType) String() string {
	switch t {
	case MsgFileComplete, MsgFileMeta, MsgPing, MsgPong, MsgText:
		return string(t)
	default:
		return "unknown"
	}
}

// Relay event names.
const (
	EventConnect            = "connect"
	EventUserJoin           = "user:join"
	EventUsersUpdate        = "users:update"
	EventWebRTCOffer        = "webrtc:offer"
	EventWebRTCAnswer       = "webrtc:answer"
	EventWebRTCICECandidate = "webrtc:icecandidate"
)

// Roster update kinds carried by users:update.
const (
	UpdateAdd    = "add"
	UpdateRemove = "remove"
)
