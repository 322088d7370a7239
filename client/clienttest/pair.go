package clienttest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"example.com/room_call/client"
	"example.com/room_call/pkg/protocol"
)

// Recorder collects events.
type Recorder struct {
	mu     sync.Mutex
	events []client.Event
}

// Record appends ev. It has the signature of an event handler.
func (r *Recorder) Record(ev client.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []client.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]client.Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind client.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind client.EventKind) (client.Event, bool) {
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return client.Event{}, false
}

// Endpoint is one side of a Pair.
type Endpoint struct {
	ID      string
	Session *client.Session
	PC      *PeerConnection
	Devices *Devices
	Events  *Recorder
}

type delivery struct {
	to  *Endpoint
	env protocol.Envelope
}

// Pair wires two sessions through an in-memory queue that rewrites each
// message the way the relay does. Nothing is delivered until Pump.
type Pair struct {
	A, B *Endpoint

	mu      sync.Mutex
	queue   []delivery
	history []protocol.Envelope
}

// NewPair creates sessions "a" and "b", each addressed to the other.
func NewPair(logger *slog.Logger) *Pair {
	p := &Pair{}
	p.A = p.endpoint("a", "b", logger)
	p.B = p.endpoint("b", "a", logger)
	return p
}

func (p *Pair) endpoint(id, remoteID string, logger *slog.Logger) *Endpoint {
	ep := &Endpoint{
		ID:      id,
		PC:      NewPeerConnection(),
		Devices: &Devices{},
		Events:  &Recorder{},
	}
	ep.Session = client.NewSession(client.SessionConfig{
		RemoteID:       remoteID,
		PeerConnection: ep.PC,
		Devices:        ep.Devices,
		Signal: func(env protocol.Envelope) error {
			return p.relay(id, env)
		},
		Emit:   ep.Events.Record,
		Logger: logger,
	})
	return ep
}

func (p *Pair) relay(from string, env protocol.Envelope) error {
	var to *Endpoint
	switch env.To {
	case p.A.ID:
		to = p.A
	case p.B.ID:
		to = p.B
	default:
		return fmt.Errorf("unknown recipient %q", env.To)
	}

	env.Type = protocol.OutboundKind(env.Type)
	env.From = from
	env.To = ""

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, delivery{to: to, env: env})
	p.history = append(p.history, env)
	return nil
}

// Pending returns the number of undelivered messages.
func (p *Pair) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// History returns every relayed message in send order, as delivered.
func (p *Pair) History() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.history...)
}

// Kinds returns the delivered kinds in send order.
func (p *Pair) Kinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, env := range p.History() {
		kinds = append(kinds, env.Type)
	}
	return kinds
}

// Pump delivers queued messages in order, including those sent while
// handling earlier ones, until the queue is empty. Handler errors are
// returned in delivery order.
func (p *Pair) Pump(ctx context.Context) []error {
	var errs []error
	for i := 0; i < 10000; i++ {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return errs
		}
		d := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := d.to.Session.HandleMessage(ctx, d.env); err != nil {
			errs = append(errs, err)
		}
	}
	return append(errs, fmt.Errorf("pump: message loop did not settle"))
}

// Establish places a call from A to B and pumps until both are stable.
func (p *Pair) Establish(ctx context.Context) error {
	if err := p.A.Session.InitiateCall(ctx); err != nil {
		return err
	}
	if errs := p.Pump(ctx); len(errs) > 0 {
		return errs[0]
	}
	if a, b := p.A.Session.State(), p.B.Session.State(); a != client.StateStable || b != client.StateStable {
		return fmt.Errorf("not stable after call: a=%s b=%s", a, b)
	}
	return nil
}
