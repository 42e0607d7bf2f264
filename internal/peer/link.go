package peer

import (
	"errors"

	"github.com/pion/webrtc/v3"
)

var ErrChannelClosed = errors.New("data channel closed")

// Channel is an open, ordered, reliable data channel.
type Channel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	Close() error
}

// Link is one negotiation attempt with a remote peer. A failed link is
// discarded and a new one is created for the next attempt.
type Link interface {
	CreateOffer() (webrtc.SessionDescription, error)
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddCandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// LinkEvents are invoked from the link's own goroutines.
type LinkEvents struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnOpen      func(Channel)
	OnMessage   func(data []byte, isText bool)
	OnFailed    func(error)
}

type LinkFactory interface {
	NewLink(initiator bool, events LinkEvents) (Link, error)
}
