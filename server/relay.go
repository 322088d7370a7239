package main

import (
	"errors"
	"log/slog"
	"sync"

	"example.com/room_call/pkg/protocol"
)

var (
	ErrNotRouted     = errors.New("recipient is not in the sender's room")
	ErrRecipientGone = errors.New("recipient is not connected")
	ErrQueueFull     = errors.New("recipient send queue is full")
)

// Relay delivers messages between connected participants. Each participant
// has a single FIFO queue, so messages from one sender to one recipient
// arrive in the order they were relayed.
type Relay struct {
	registry *Registry
	logger   *slog.Logger

	mu           sync.RWMutex
	participants map[string]*Participant
}

func NewRelay(registry *Registry, logger *slog.Logger) *Relay {
	return &Relay{
		registry:     registry,
		logger:       logger,
		participants: make(map[string]*Participant),
	}
}

// Register makes p reachable by id.
func (r *Relay) Register(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p
}

// Unregister removes the participant and closes its queue, which ends its
// writePump.
func (r *Relay) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return
	}
	delete(r.participants, id)
	close(p.send)
}

// Connected returns the number of registered participants.
func (r *Relay) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Send queues env for participant id without blocking.
func (r *Relay) Send(id string, env protocol.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrRecipientGone
	}
	select {
	case p.send <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Relay forwards env from the sender to its recipient: env.To when set,
// otherwise the sender's room peer. The payload is passed through untouched;
// only the routing fields and the kind are rewritten.
func (r *Relay) Relay(from string, env protocol.Envelope) error {
	to := env.To
	if to == "" {
		peer, ok := r.registry.Peer(from)
		if !ok {
			return ErrNotRouted
		}
		to = peer.ID
	} else if !r.registry.SameRoom(from, to) {
		return ErrNotRouted
	}

	out := protocol.Envelope{
		Type:    protocol.OutboundKind(env.Type),
		From:    from,
		Payload: env.Payload,
	}
	if err := r.Send(to, out); err != nil {
		return err
	}
	r.logger.Debug("relayed", "type", out.Type, "from", from, "to", to)
	return nil
}

// CloseAll closes every registered connection. Each participant's readPump
// then fails and runs the normal disconnect path.
func (r *Relay) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		p.conn.Close()
	}
}
