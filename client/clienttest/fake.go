// Package clienttest provides in-memory stand-ins for the peer connection
// and capture devices so call flows can be exercised without networking.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"example.com/room_call/client"
	"example.com/room_call/pkg/capture"
)

// ErrInjected is returned by operations told to fail.
var ErrInjected = errors.New("injected failure")

// Sender records the track it carries.
type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// RemoteTrack is a received track identified only by ids and kind.
type RemoteTrack struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

func (t RemoteTrack) ID() string                { return t.TrackID }
func (t RemoteTrack) StreamID() string          { return t.Stream }
func (t RemoteTrack) Kind() webrtc.RTPCodecType { return t.TrackKind }

// PeerConnection implements client.PeerConnection. Descriptions are opaque
// strings; negotiation-needed is never raised on its own, tests call
// Session.OnNegotiationNeeded or FireNegotiationNeeded.
type PeerConnection struct {
	mu sync.Mutex

	// Fail* count upcoming calls that return ErrInjected.
	FailCreateOffer     int
	FailSetRemote       int
	FailAddTrack        int
	FailAddICECandidate int

	offers     int
	answers    int
	local      webrtc.SessionDescription
	remote     webrtc.SessionDescription
	rollbacks  int
	senders    []*Sender
	receivers  []webrtc.RTPCodecType
	candidates []webrtc.ICECandidateInit
	closed     bool

	onTrack             func(client.RemoteTrack)
	onICECandidate      func(*webrtc.ICECandidate)
	onNegotiationNeeded func()
}

var _ client.PeerConnection = (*PeerConnection)(nil)

// NewPeerConnection returns an empty fake.
func NewPeerConnection() *PeerConnection {
	return &PeerConnection{}
}

func take(counter *int) bool {
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if take(&p.FailCreateOffer) {
		return webrtc.SessionDescription{}, ErrInjected
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeRollback {
		p.rollbacks++
		p.local = webrtc.SessionDescription{}
		return nil
	}
	p.local = desc
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeRollback {
		p.rollbacks++
		p.remote = webrtc.SessionDescription{}
		return nil
	}
	if take(&p.FailSetRemote) {
		return ErrInjected
	}
	p.remote = desc
	return nil
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if take(&p.FailAddICECandidate) {
		return ErrInjected
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PeerConnection) AddReceiver(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivers = append(p.receivers, kind)
	return nil
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (client.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if take(&p.FailAddTrack) {
		return nil, ErrInjected
	}
	s := &Sender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *PeerConnection) OnTrack(fn func(client.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICECandidate = fn
}

func (p *PeerConnection) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNegotiationNeeded = fn
}

func (p *PeerConnection) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FireTrack delivers a remote track as if it arrived from the network.
func (p *PeerConnection) FireTrack(track client.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// FireICECandidate reports a locally gathered candidate.
func (p *PeerConnection) FireICECandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	fn := p.onICECandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// FireNegotiationNeeded invokes the installed negotiation-needed callback.
func (p *PeerConnection) FireNegotiationNeeded() {
	p.mu.Lock()
	fn := p.onNegotiationNeeded
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Offers returns how many offers were created.
func (p *PeerConnection) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Receivers returns the kinds passed to AddReceiver.
func (p *PeerConnection) Receivers() []webrtc.RTPCodecType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), p.receivers...)
}

// Rollbacks returns how many rollbacks were applied.
func (p *PeerConnection) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

// RemoteDescription returns the last applied remote description.
func (p *PeerConnection) RemoteDescription() webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Candidates returns the remote candidates added so far.
func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// Senders returns every sender created by AddTrack.
func (p *PeerConnection) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// VideoSenders returns the senders currently carrying a video track.
func (p *PeerConnection) VideoSenders() []*Sender {
	var out []*Sender
	for _, s := range p.Senders() {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			out = append(out, s)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Devices hands out fresh in-memory camera, microphone and screen tracks.
type Devices struct {
	mu sync.Mutex

	UserErr    error
	DisplayErr error

	user    []*capture.Stream
	display []*capture.Stream
}

var _ capture.Devices = (*Devices)(nil)

func (d *Devices) UserMedia(ctx context.Context) (*capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UserErr != nil {
		return nil, d.UserErr
	}
	n := len(d.user) + 1
	streamID := fmt.Sprintf("camera-stream-%d", n)
	audio, err := newTrack(webrtc.MimeTypeOpus, fmt.Sprintf("mic-%d", n), streamID)
	if err != nil {
		return nil, err
	}
	video, err := newTrack(webrtc.MimeTypeVP8, fmt.Sprintf("camera-%d", n), streamID)
	if err != nil {
		return nil, err
	}
	stream := capture.NewStream(streamID, audio, video)
	d.user = append(d.user, stream)
	return stream, nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (*capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	n := len(d.display) + 1
	streamID := fmt.Sprintf("screen-stream-%d", n)
	video, err := newTrack(webrtc.MimeTypeVP8, fmt.Sprintf("screen-%d", n), streamID)
	if err != nil {
		return nil, err
	}
	stream := capture.NewStream(streamID, nil, video)
	d.display = append(d.display, stream)
	return stream, nil
}

// LastUser returns the most recent camera stream, or nil.
func (d *Devices) LastUser() *capture.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.user) == 0 {
		return nil
	}
	return d.user[len(d.user)-1]
}

// LastDisplay returns the most recent screen stream, or nil.
func (d *Devices) LastDisplay() *capture.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.display) == 0 {
		return nil
	}
	return d.display[len(d.display)-1]
}

func newTrack(mimeType, id, streamID string) (*capture.Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	return capture.NewTrack(local), nil
}
