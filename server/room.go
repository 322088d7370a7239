package main

import (
	"errors"
	"strings"
	"sync"
)

const (
	roomCapacity     = 2
	maxRoomNameBytes = 128
)

var (
	ErrRoomFull    = errors.New("room is full")
	ErrInvalidRoom = errors.New("invalid room name")
)

// Occupant is a participant as seen by a room.
type Occupant struct {
	ID   string
	Name string
}

// Room holds up to two occupants in join order.
type Room struct {
	ID        string
	occupants []Occupant
}

func (r *Room) index(id string) int {
	for i, o := range r.occupants {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) remove(id string) {
	if i := r.index(id); i >= 0 {
		r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
	}
}

// other returns the occupant that is not id.
func (r *Room) other(id string) (Occupant, bool) {
	for _, o := range r.occupants {
		if o.ID != id {
			return o, true
		}
	}
	return Occupant{}, false
}

// JoinResult describes the registry change made by Join.
type JoinResult struct {
	Room string

	// Peer is the other occupant of Room, if any.
	Peer Occupant

	// Left is the occupant of the room the participant moved out of, if it
	// had one. It needs a user:left.
	Left Occupant

	// Rejoined is set when the participant was already in Room.
	Rejoined bool
}

// LeaveResult describes the registry change made by Leave.
type LeaveResult struct {
	Room string
	Self Occupant
	Peer Occupant
}

// Registry maps participants to rooms. All methods are safe for concurrent
// use; nothing blocks while the lock is held.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	members map[string]string // participant id -> room id
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		members: make(map[string]string),
	}
}

// Join places participantID in roomName. A participant already in another
// room is moved; rejoining the same room only refreshes the name.
func (g *Registry) Join(participantID, name, roomName string) (JoinResult, error) {
	roomID := strings.TrimSpace(roomName)
	if roomID == "" || len(roomID) > maxRoomNameBytes {
		return JoinResult{}, ErrInvalidRoom
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	self := Occupant{ID: participantID, Name: name}
	room := g.rooms[roomID]

	if current, ok := g.members[participantID]; ok && current == roomID {
		room.occupants[room.index(participantID)] = self
		peer, _ := room.other(participantID)
		return JoinResult{Room: roomID, Peer: peer, Rejoined: true}, nil
	}

	if room != nil && len(room.occupants) >= roomCapacity {
		return JoinResult{}, ErrRoomFull
	}

	var result JoinResult
	if current, ok := g.members[participantID]; ok {
		result.Left = g.leaveLocked(participantID, current).Peer
	}

	if room == nil {
		room = &Room{ID: roomID}
		g.rooms[roomID] = room
	}
	if peer, ok := room.other(participantID); ok {
		result.Peer = peer
	}
	room.occupants = append(room.occupants, self)
	g.members[participantID] = roomID

	result.Room = roomID
	return result, nil
}

// Leave removes participantID from its room. It reports false when the
// participant was not in a room.
func (g *Registry) Leave(participantID string) (LeaveResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.members[participantID]
	if !ok {
		return LeaveResult{}, false
	}
	return g.leaveLocked(participantID, roomID), true
}

func (g *Registry) leaveLocked(participantID, roomID string) LeaveResult {
	result := LeaveResult{Room: roomID}
	delete(g.members, participantID)

	room := g.rooms[roomID]
	if i := room.index(participantID); i >= 0 {
		result.Self = room.occupants[i]
	}
	room.remove(participantID)
	if peer, ok := room.other(participantID); ok {
		result.Peer = peer
	}
	if len(room.occupants) == 0 {
		delete(g.rooms, roomID)
	}
	return result
}

// Peer returns the other occupant of participantID's room.
func (g *Registry) Peer(participantID string) (Occupant, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.members[participantID]
	if !ok {
		return Occupant{}, false
	}
	return g.rooms[roomID].other(participantID)
}

// RoomOf returns the room participantID is in.
func (g *Registry) RoomOf(participantID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	roomID, ok := g.members[participantID]
	return roomID, ok
}

// SameRoom reports whether a and b are distinct participants in one room.
func (g *Registry) SameRoom(a, b string) bool {
	if a == b {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ra, ok := g.members[a]
	if !ok {
		return false
	}
	rb, ok := g.members[b]
	return ok && ra == rb
}

// Occupants returns a copy of the room's occupants in join order.
func (g *Registry) Occupants(roomID string) []Occupant {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Occupant(nil), room.occupants...)
}

// Stats returns the number of live rooms and joined participants.
func (g *Registry) Stats() (rooms, participants int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms), len(g.members)
}
