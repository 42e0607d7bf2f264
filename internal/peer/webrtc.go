package peer

import (
	"bytes"
	"fmt"

	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "data"

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := "lanchat"
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}

// WebRTCFactory creates pion peer connections.
type WebRTCFactory struct {
	Config      webrtc.Configuration
	DataChannel *webrtc.DataChannelInit
	API         *webrtc.API
}

func NewWebRTCFactory(cfg webrtc.Configuration) *WebRTCFactory {
	return &WebRTCFactory{
		Config:      cfg,
		DataChannel: DefaultDataChannelConfig(),
	}
}

func (f *WebRTCFactory) NewLink(initiator bool, ev LinkEvents) (Link, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(f.Config)
	} else {
		pc, err = webrtc.NewPeerConnection(f.Config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &webrtcLink{pc: pc, ev: ev}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			ev.OnCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			ev.OnFailed(fmt.Errorf("peer connection state %s", s))
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateFailed {
			ev.OnFailed(fmt.Errorf("ice connection state %s", s))
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, f.DataChannel)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		l.watch(dc)
	} else {
		pc.OnDataChannel(l.watch)
	}

	return l, nil
}

type webrtcLink struct {
	pc *webrtc.PeerConnection
	ev LinkEvents
}

func (l *webrtcLink) watch(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		l.ev.OnOpen(&dataChannel{dc: dc})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.ev.OnMessage(bytes.Clone(msg.Data), msg.IsString)
	})
	dc.OnError(func(err error) {
		l.ev.OnFailed(fmt.Errorf("data channel: %w", err))
	})
	dc.OnClose(func() {
		l.ev.OnFailed(ErrChannelClosed)
	})
}

func (l *webrtcLink) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (l *webrtcLink) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (l *webrtcLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (l *webrtcLink) AddCandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *webrtcLink) Close() error {
	return l.pc.Close()
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (c *dataChannel) Send(data []byte) error     { return c.dc.Send(data) }
func (c *dataChannel) SendText(text string) error { return c.dc.SendText(text) }
func (c *dataChannel) BufferedAmount() uint64     { return c.dc.BufferedAmount() }
func (c *dataChannel) Close() error               { return c.dc.Close() }
