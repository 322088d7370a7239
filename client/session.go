package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"example.com/room_call/pkg/capture"
	"example.com/room_call/pkg/protocol"
)

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerSent
	StateStable
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// maxRenegotiationRetries bounds how often a failed renegotiation round is
// restarted before the failure is reported.
const maxRenegotiationRetries = 1

// SessionConfig configures NewSession.
type SessionConfig struct {
	RemoteID       string
	PeerConnection PeerConnection
	Devices        capture.Devices

	// Signal delivers a message addressed to the remote participant.
	Signal func(protocol.Envelope) error

	// Emit receives session events. It is called without the session lock
	// held. Optional.
	Emit func(Event)

	Logger *slog.Logger
}

// Session negotiates and carries the call with one remote participant.
//
// The side that places the call is impolite and the side that answers is
// polite: when both send a renegotiation offer at once, the polite side
// rolls its own offer back and answers, the impolite side ignores the
// colliding offer.
type Session struct {
	remoteID string
	pc       PeerConnection
	devices  capture.Devices
	signal   func(protocol.Envelope) error
	emit     func(Event)
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	polite      bool
	established bool

	camera      *capture.Stream
	screen      *capture.Stream
	videoSender Sender
	audioSender Sender

	cameraEnabled bool
	micEnabled    bool
	streamSent    bool

	remoteTracks        map[string]RemoteTrack
	remoteCameraEnabled bool
	remoteScreenSharing bool

	negotiationPending bool
	retries            int

	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit

	// events queued under mu, published once it is released
	events []Event
}

// NewSession creates an idle session and installs its callbacks on the
// peer connection. Client creates sessions itself; NewSession is for
// callers bringing their own signaling.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(Event) {}
	}

	s := &Session{
		remoteID:            cfg.RemoteID,
		pc:                  cfg.PeerConnection,
		devices:             cfg.Devices,
		signal:              cfg.Signal,
		emit:                emit,
		logger:              logger.With("peer", cfg.RemoteID),
		state:               StateIdle,
		remoteTracks:        make(map[string]RemoteTrack),
		remoteCameraEnabled: true,
	}

	s.pc.OnTrack(s.handleRemoteTrack)
	s.pc.OnICECandidate(s.handleLocalCandidate)
	s.pc.OnNegotiationNeeded(func() {
		go s.OnNegotiationNeeded()
	})
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state changed", "state", state.String())
	})
	return s
}

// RemoteID returns the id of the remote participant.
func (s *Session) RemoteID() string {
	return s.remoteID
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run executes fn under the session lock and then publishes the events fn
// queued.
func (s *Session) run(fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return err
}

func (s *Session) queue(ev Event) {
	ev.PeerID = s.remoteID
	s.events = append(s.events, ev)
}

func (s *Session) fail(op string, kind, cause error) *NegotiationError {
	return newError(op, s.state, kind, cause)
}

func (s *Session) require(op string, allowed ...State) error {
	if s.state == StateClosed {
		return s.fail(op, ErrSessionClosed, nil)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return s.fail(op, ErrSignalingProtocol, nil)
}

func (s *Session) send(kind protocol.Kind, payload any) error {
	env, err := protocol.New(kind, s.remoteID, payload)
	if err != nil {
		return err
	}
	return s.signal(env)
}

// InitiateCall acquires camera and microphone and sends the initial offer.
// It is only valid in StateIdle; on failure the session stays idle.
func (s *Session) InitiateCall(ctx context.Context) error {
	return s.run(func() error {
		const op = "initiate call"
		if err := s.require(op, StateIdle); err != nil {
			return err
		}
		if err := s.acquireCamera(ctx, op); err != nil {
			return err
		}

		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if err := s.pc.AddReceiver(kind); err != nil {
				s.releaseLocalMedia()
				return s.fail(op, ErrCapability, err)
			}
		}

		offer, err := s.pc.CreateOffer()
		if err != nil {
			s.releaseLocalMedia()
			return s.fail(op, ErrCapability, err)
		}
		if err := s.pc.SetLocalDescription(offer); err != nil {
			s.releaseLocalMedia()
			return s.fail(op, ErrCapability, err)
		}

		s.polite = false
		s.state = StateOfferSent
		if err := s.send(protocol.KindUserCall, protocol.OfferPayload{Offer: offer}); err != nil {
			ne := s.fail(op, ErrCapability, err)
			s.rollbackLocal()
			s.abortToIdle()
			return ne
		}
		s.logger.Info("call offer sent")
		return nil
	})
}

// HandleIncomingOffer answers the peer's initial offer. It is only valid in
// StateIdle. The session passes through StateAnswerSent and settles in
// StateStable once the answer has been sent.
func (s *Session) HandleIncomingOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	return s.run(func() error {
		const op = "answer call"
		if err := s.require(op, StateIdle); err != nil {
			return err
		}
		if offer.Type != webrtc.SDPTypeOffer {
			return s.fail(op, ErrSignalingProtocol, errors.New("description is not an offer"))
		}
		if err := s.acquireCamera(ctx, op); err != nil {
			return err
		}

		if err := s.pc.SetRemoteDescription(offer); err != nil {
			s.releaseLocalMedia()
			return s.fail(op, ErrCapability, err)
		}
		s.remoteDescriptionApplied()

		answer, err := s.pc.CreateAnswer()
		if err == nil {
			err = s.pc.SetLocalDescription(answer)
		}
		if err != nil {
			ne := s.fail(op, ErrCapability, err)
			s.rollbackRemote()
			s.abortToIdle()
			return ne
		}

		s.polite = true
		s.state = StateAnswerSent
		if err := s.send(protocol.KindCallAccepted, protocol.AnswerPayload{Answer: answer}); err != nil {
			ne := s.fail(op, ErrCapability, err)
			s.abortToIdle()
			return ne
		}
		s.logger.Info("call answered")
		s.enterStable()
		return nil
	})
}

// HandleCallAccepted applies the peer's answer to our initial offer and
// then attaches the outgoing camera and microphone tracks. Only valid in
// StateOfferSent.
func (s *Session) HandleCallAccepted(answer webrtc.SessionDescription) error {
	return s.run(func() error {
		const op = "apply answer"
		if err := s.require(op, StateOfferSent); err != nil {
			return err
		}
		if answer.Type != webrtc.SDPTypeAnswer {
			return s.fail(op, ErrSignalingProtocol, errors.New("description is not an answer"))
		}

		if err := s.pc.SetRemoteDescription(answer); err != nil {
			ne := s.fail(op, ErrCapability, err)
			s.rollbackLocal()
			s.abortToIdle()
			s.queue(Event{Kind: EventNegotiationFailed, Err: ne})
			return ne
		}
		s.remoteDescriptionApplied()
		s.logger.Info("call accepted")
		s.enterStable()

		return s.sendStreams("send streams")
	})
}

// OnNegotiationNeeded starts a renegotiation round when the session is
// stable. In any other live state the request is remembered and replayed
// once the session is stable again.
func (s *Session) OnNegotiationNeeded() {
	_ = s.run(func() error {
		switch s.state {
		case StateClosed:
			return nil
		case StateStable:
			return s.startRenegotiation("renegotiate")
		default:
			s.logger.Debug("negotiation deferred", "state", s.state.String())
			s.negotiationPending = true
			return nil
		}
	})
}

// HandleRenegotiationOffer answers a renegotiation offer from the peer.
func (s *Session) HandleRenegotiationOffer(offer webrtc.SessionDescription) error {
	return s.run(func() error {
		const op = "answer renegotiation"
		if err := s.require(op, StateStable, StateRenegotiating); err != nil {
			return err
		}
		if offer.Type != webrtc.SDPTypeOffer {
			return s.fail(op, ErrSignalingProtocol, errors.New("description is not an offer"))
		}

		if s.state == StateRenegotiating {
			if !s.polite {
				s.logger.Debug("ignoring colliding offer")
				return s.fail(op, ErrSignalingProtocol, errors.New("offer collision"))
			}
			if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				return s.fail(op, ErrCapability, err)
			}
			s.logger.Debug("rolled back own offer after collision")
			s.state = StateStable
			s.negotiationPending = true
		}

		if err := s.pc.SetRemoteDescription(offer); err != nil {
			return s.renegotiationFailed(op, err)
		}
		s.remoteDescriptionApplied()

		answer, err := s.pc.CreateAnswer()
		if err == nil {
			err = s.pc.SetLocalDescription(answer)
		}
		if err != nil {
			s.rollbackRemote()
			return s.renegotiationFailed(op, err)
		}

		if err := s.send(protocol.KindNegoDone, protocol.AnswerPayload{Answer: answer}); err != nil {
			s.enterStable()
			return s.fail(op, ErrCapability, err)
		}
		s.enterStable()
		return nil
	})
}

// HandleRenegotiationAnswer applies the peer's answer to our renegotiation
// offer. Only valid in StateRenegotiating.
func (s *Session) HandleRenegotiationAnswer(answer webrtc.SessionDescription) error {
	return s.run(func() error {
		const op = "apply renegotiation answer"
		if err := s.require(op, StateRenegotiating); err != nil {
			return err
		}
		if answer.Type != webrtc.SDPTypeAnswer {
			return s.fail(op, ErrSignalingProtocol, errors.New("description is not an answer"))
		}

		if err := s.pc.SetRemoteDescription(answer); err != nil {
			s.rollbackLocal()
			s.state = StateStable
			return s.renegotiationFailed(op, err)
		}
		s.remoteDescriptionApplied()
		s.enterStable()
		return nil
	})
}

// HandleICECandidate adds a trickled candidate from the peer. Candidates
// that arrive before any remote description are held until one is applied.
func (s *Session) HandleICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.run(func() error {
		const op = "add ice candidate"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		if !s.remoteDescriptionSet {
			s.pendingCandidates = append(s.pendingCandidates, candidate)
			return nil
		}
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return s.fail(op, ErrCapability, err)
		}
		return nil
	})
}

// HandleMessage dispatches a relayed message from the peer.
func (s *Session) HandleMessage(ctx context.Context, env protocol.Envelope) error {
	if s.State() == StateClosed {
		return newError(string(env.Type), StateClosed, ErrSessionClosed, nil)
	}

	switch env.Type {
	case protocol.KindIncomingCall:
		var p protocol.OfferPayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.HandleIncomingOffer(ctx, p.Offer)

	case protocol.KindCallAccepted:
		var p protocol.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.HandleCallAccepted(p.Answer)

	case protocol.KindNegoNeeded:
		var p protocol.OfferPayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.HandleRenegotiationOffer(p.Offer)

	case protocol.KindNegoFinal:
		var p protocol.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.HandleRenegotiationAnswer(p.Answer)

	case protocol.KindICECandidate:
		var p protocol.CandidatePayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.HandleICECandidate(p.Candidate)

	case protocol.KindCameraToggled:
		var p protocol.CameraPayload
		if err := env.Decode(&p); err != nil {
			return s.decodeError(env, err)
		}
		return s.run(func() error {
			s.remoteCameraEnabled = p.Enabled
			s.queue(Event{Kind: EventRemoteCameraToggled, Enabled: p.Enabled})
			return nil
		})

	case protocol.KindScreenShared, protocol.KindScreenStop:
		sharing := env.Type == protocol.KindScreenShared
		return s.run(func() error {
			s.remoteScreenSharing = sharing
			s.queue(Event{Kind: EventRemoteScreenShare, Enabled: sharing})
			return nil
		})

	case protocol.KindUserLeft:
		return s.Close()
	}

	return newError(string(env.Type), s.State(), ErrSignalingProtocol, errors.New("unexpected message"))
}

func (s *Session) decodeError(env protocol.Envelope, err error) error {
	return newError(string(env.Type), s.State(), ErrSignalingProtocol, err)
}

// Close tears the session down: local capture is released and the peer
// connection closed. Later operations fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.releaseLocalMedia()
	s.negotiationPending = false
	s.pendingCandidates = nil
	s.mu.Unlock()

	s.logger.Info("session closed")
	// Outside the lock: pion waits for its callbacks, which take the lock.
	return s.pc.Close()
}

// SessionState is a point-in-time copy of a session for display.
type SessionState struct {
	RemoteID string
	State    State
	Polite   bool

	CameraEnabled bool
	MicEnabled    bool
	StreamSent    bool
	ScreenSharing bool

	// VideoTrackID is the track on the outgoing video sender, if any.
	VideoTrackID string
	// CameraTrackID is the held camera video track, if any.
	CameraTrackID string

	RemoteCameraEnabled bool
	RemoteScreenSharing bool
	RemoteTracks        []string
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionState{
		RemoteID:            s.remoteID,
		State:               s.state,
		Polite:              s.polite,
		CameraEnabled:       s.cameraEnabled,
		MicEnabled:          s.micEnabled,
		StreamSent:          s.streamSent,
		ScreenSharing:       s.screen != nil,
		RemoteCameraEnabled: s.remoteCameraEnabled,
		RemoteScreenSharing: s.remoteScreenSharing,
	}
	if s.videoSender != nil {
		if t := s.videoSender.Track(); t != nil {
			snap.VideoTrackID = t.ID()
		}
	}
	if s.camera != nil && s.camera.Video != nil {
		snap.CameraTrackID = s.camera.Video.ID()
	}
	for id := range s.remoteTracks {
		snap.RemoteTracks = append(snap.RemoteTracks, id)
	}
	sort.Strings(snap.RemoteTracks)
	return snap
}

// enterStable completes a negotiation round and replays a deferred
// renegotiation request.
func (s *Session) enterStable() {
	s.state = StateStable
	s.retries = 0
	if !s.established {
		s.established = true
		s.queue(Event{Kind: EventCallEstablished})
	}
	if s.negotiationPending {
		s.negotiationPending = false
		_ = s.startRenegotiation("replay renegotiation")
	}
}

// startRenegotiation sends a renegotiation offer. Requires StateStable.
func (s *Session) startRenegotiation(op string) error {
	offer, err := s.pc.CreateOffer()
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		return s.renegotiationFailed(op, err)
	}

	s.state = StateRenegotiating
	if err := s.send(protocol.KindNegoNeeded, protocol.OfferPayload{Offer: offer}); err != nil {
		s.rollbackLocal()
		s.state = StateStable
		ne := s.fail(op, ErrCapability, err)
		s.queue(Event{Kind: EventNegotiationFailed, Err: ne})
		return ne
	}
	s.logger.Debug("renegotiation offer sent")
	return nil
}

// renegotiationFailed handles a failed round once the session is back in
// StateStable: the round is restarted up to maxRenegotiationRetries times
// before the failure is reported.
func (s *Session) renegotiationFailed(op string, cause error) error {
	s.state = StateStable
	ne := s.fail(op, ErrCapability, cause)

	if s.retries < maxRenegotiationRetries {
		s.retries++
		s.logger.Warn("renegotiation failed, retrying", "op", op, "err", cause)
		_ = s.startRenegotiation("retry renegotiation")
		return ne
	}

	s.retries = 0
	s.logger.Error("renegotiation failed", "op", op, "err", cause)
	s.queue(Event{Kind: EventNegotiationFailed, Err: ne})
	return ne
}

// abortToIdle abandons the initial negotiation.
func (s *Session) abortToIdle() {
	s.releaseLocalMedia()
	s.state = StateIdle
	s.remoteDescriptionSet = false
	s.pendingCandidates = nil
}

func (s *Session) rollbackLocal() {
	if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		s.logger.Debug("local rollback failed", "err", err)
	}
}

func (s *Session) rollbackRemote() {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		s.logger.Debug("remote rollback failed", "err", err)
	}
}

func (s *Session) remoteDescriptionApplied() {
	s.remoteDescriptionSet = true
	candidates := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range candidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Warn("buffered candidate rejected", "err", err)
		}
	}
}

func (s *Session) handleRemoteTrack(track RemoteTrack) {
	_ = s.run(func() error {
		if s.state == StateClosed {
			return nil
		}
		s.remoteTracks[track.ID()] = track
		s.logger.Info("remote track", "track", track.ID(), "kind", track.Kind().String())
		s.queue(Event{Kind: EventRemoteTrack, Track: track})
		return nil
	})
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	_ = s.run(func() error {
		if s.state == StateClosed {
			return nil
		}
		if err := s.send(protocol.KindICECandidate, protocol.CandidatePayload{Candidate: c.ToJSON()}); err != nil {
			s.logger.Debug("send candidate failed", "err", err)
		}
		return nil
	})
}
