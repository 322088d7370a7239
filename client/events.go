package client

import "sync"

// EventKind identifies what happened in an Event.
type EventKind int

const (
	// EventPeerJoined: another participant entered the room.
	EventPeerJoined EventKind = iota + 1
	// EventIncomingCall: the peer sent an offer.
	EventIncomingCall
	// EventCallEstablished: the first offer/answer round completed.
	EventCallEstablished
	// EventRemoteTrack: a media track arrived from the peer.
	EventRemoteTrack
	// EventRemoteCameraToggled: the peer muted or unmuted its camera.
	EventRemoteCameraToggled
	// EventRemoteScreenShare: the peer started or stopped sharing.
	EventRemoteScreenShare
	// EventPeerLeft: the peer left or disconnected; its session is closed.
	EventPeerLeft
	// EventNegotiationFailed: a negotiation round was abandoned.
	EventNegotiationFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPeerJoined:
		return "peer-joined"
	case EventIncomingCall:
		return "incoming-call"
	case EventCallEstablished:
		return "call-established"
	case EventRemoteTrack:
		return "remote-track"
	case EventRemoteCameraToggled:
		return "remote-camera-toggled"
	case EventRemoteScreenShare:
		return "remote-screen-share"
	case EventPeerLeft:
		return "peer-left"
	case EventNegotiationFailed:
		return "negotiation-failed"
	}
	return "unknown"
}

// Event is delivered to subscribers. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind   EventKind
	PeerID string
	Name   string

	// Track is set for EventRemoteTrack.
	Track RemoteTrack

	// Enabled carries the camera state for EventRemoteCameraToggled and
	// the sharing state for EventRemoteScreenShare.
	Enabled bool

	// Err is set for EventNegotiationFailed.
	Err error
}

// Subscription is returned by Subscribe.
type Subscription struct {
	bus  *eventBus
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery to the handler. It is safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}

// eventBus fans events out to subscribers. Handlers run synchronously on
// the publishing goroutine and must not block.
type eventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[uint64]func(Event))}
}

func (b *eventBus) subscribe(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[b.nextID] = fn
	return &Subscription{bus: b, id: b.nextID}
}

func (b *eventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[uint64]func(Event))
}
