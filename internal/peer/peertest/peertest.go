// Package peertest provides in-process links for exercising peer managers
// without a real network.
package peertest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/lanchat/internal/peer"
)

var ErrInjected = errors.New("injected failure")

// Network pairs links whose descriptions were exchanged. Descriptions carry
// a link token instead of SDP.
type Network struct {
	mu    sync.Mutex
	seq   int
	links map[string]*Link

	// FailNegotiation makes links report failure right after producing
	// their local description.
	FailNegotiation atomic.Bool
}

func NewNetwork() *Network {
	return &Network{links: make(map[string]*Link)}
}

func (n *Network) register(l *Link) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	token := fmt.Sprintf("link-%d", n.seq)
	n.links[token] = l
	return token
}

func (n *Network) lookup(token string) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[token]
}

func (n *Network) Factory() *Factory {
	return &Factory{net: n}
}

type Factory struct {
	net    *Network
	offers atomic.Int32

	mu    sync.Mutex
	links []*Link
	err   error
}

// SetError makes NewLink fail with err until cleared with nil.
func (f *Factory) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Factory) NewLink(initiator bool, ev peer.LinkEvents) (peer.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &Link{net: f.net, factory: f, initiator: initiator, ev: ev}
	f.links = append(f.links, l)
	return l, nil
}

// Offers counts CreateOffer calls across every link of f.
func (f *Factory) Offers() int {
	return int(f.offers.Load())
}

func (f *Factory) Links() []*Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Link(nil), f.links...)
}

// Last returns the most recently created link.
func (f *Factory) Last() *Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type Link struct {
	net       *Network
	factory   *Factory
	initiator bool
	ev        peer.LinkEvents

	mu         sync.Mutex
	token      string
	remote     *Link
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (l *Link) describe(kind webrtc.SDPType) webrtc.SessionDescription {
	token := l.net.register(l)
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()

	l.ev.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + token})
	if l.net.FailNegotiation.Load() {
		go l.ev.OnFailed(ErrInjected)
	}
	return webrtc.SessionDescription{Type: kind, SDP: token}
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	if !l.initiator {
		return webrtc.SessionDescription{}, errors.New("answering link cannot offer")
	}
	l.factory.offers.Add(1)
	return l.describe(webrtc.SDPTypeOffer), nil
}

func (l *Link) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	offerer := l.net.lookup(offer.SDP)
	if offerer == nil || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown offer %q", offer.SDP)
	}
	l.mu.Lock()
	l.remote = offerer
	l.mu.Unlock()
	return l.describe(webrtc.SDPTypeAnswer), nil
}

func (l *Link) AcceptAnswer(answer webrtc.SessionDescription) error {
	answerer := l.net.lookup(answer.SDP)
	if answerer == nil || answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unknown answer %q", answer.SDP)
	}
	answerer.mu.Lock()
	paired := answerer.remote == l && !answerer.closed
	answerer.mu.Unlock()
	if !paired {
		return errors.New("answer is for another offer")
	}

	l.mu.Lock()
	l.remote = answerer
	l.mu.Unlock()

	if l.net.FailNegotiation.Load() {
		return nil
	}

	// The answerer opens first so it is ready before anything is sent to it.
	answerer.ev.OnOpen(&Channel{local: answerer, remote: l})
	go l.ev.OnOpen(&Channel{local: l, remote: answerer})
	return nil
}

func (l *Link) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied to l.
func (l *Link) Candidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

// Fail reports a connectivity failure as the network stack would.
func (l *Link) Fail(err error) {
	l.ev.OnFailed(err)
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close notifies the paired link that its channel went away.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	remote := l.remote
	l.mu.Unlock()

	if remote != nil && !remote.Closed() {
		go remote.ev.OnFailed(peer.ErrChannelClosed)
	}
	return nil
}

func (l *Link) deliver(data []byte, isText bool) error {
	if l.Closed() {
		return peer.ErrChannelClosed
	}
	l.ev.OnMessage(data, isText)
	return nil
}

// Channel delivers synchronously to the paired link, preserving order.
type Channel struct {
	local  *Link
	remote *Link

	// Buffered is reported as BufferedAmount.
	Buffered atomic.Uint64
}

func (c *Channel) Send(data []byte) error {
	if c.local.Closed() {
		return peer.ErrChannelClosed
	}
	return c.remote.deliver(append([]byte(nil), data...), false)
}

func (c *Channel) SendText(text string) error {
	if c.local.Closed() {
		return peer.ErrChannelClosed
	}
	return c.remote.deliver([]byte(text), true)
}

func (c *Channel) BufferedAmount() uint64 {
	return c.Buffered.Load()
}

func (c *Channel) Close() error {
	return c.local.Close()
}
