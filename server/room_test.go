package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_JoinPairsOccupants(t *testing.T) {
	g := NewRegistry()

	res, err := g.Join("a", "alice", "42")
	if err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if res.Room != "42" || res.Peer.ID != "" {
		t.Fatalf("first join=%+v", res)
	}

	res, err = g.Join("b", "bob", " 42 ")
	if err != nil {
		t.Fatalf("Join b: %v", err)
	}
	if res.Room != "42" || res.Peer != (Occupant{ID: "a", Name: "alice"}) {
		t.Fatalf("second join=%+v", res)
	}

	if peer, ok := g.Peer("a"); !ok || peer.ID != "b" {
		t.Fatalf("Peer(a)=%+v ok=%v", peer, ok)
	}
	if !g.SameRoom("a", "b") || g.SameRoom("a", "a") {
		t.Fatalf("SameRoom wrong")
	}
}

func TestRegistry_ThirdJoinRejected(t *testing.T) {
	g := NewRegistry()
	g.Join("a", "alice", "42")
	g.Join("b", "bob", "42")

	_, err := g.Join("c", "carol", "42")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}

	got := g.Occupants("42")
	want := []Occupant{{ID: "a", Name: "alice"}, {ID: "b", Name: "bob"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("occupants=%v, want %v", got, want)
	}
	if _, ok := g.RoomOf("c"); ok {
		t.Fatalf("rejected participant registered")
	}
}

func TestRegistry_RejoinIsIdempotent(t *testing.T) {
	g := NewRegistry()
	g.Join("a", "alice", "42")
	g.Join("b", "bob", "42")

	res, err := g.Join("a", "alice2", "42")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !res.Rejoined || res.Peer.ID != "b" {
		t.Fatalf("rejoin=%+v", res)
	}
	occ := g.Occupants("42")
	if len(occ) != 2 || occ[0].Name != "alice2" {
		t.Fatalf("occupants=%v", occ)
	}
	if rooms, participants := g.Stats(); rooms != 1 || participants != 2 {
		t.Fatalf("stats=%d/%d", rooms, participants)
	}
}

func TestRegistry_JoinOtherRoomMoves(t *testing.T) {
	g := NewRegistry()
	g.Join("a", "alice", "42")
	g.Join("b", "bob", "42")

	res, err := g.Join("a", "alice", "43")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Left.ID != "b" || res.Peer.ID != "" {
		t.Fatalf("move=%+v", res)
	}
	if room, _ := g.RoomOf("a"); room != "43" {
		t.Fatalf("a in %q", room)
	}
	if _, ok := g.Peer("b"); ok {
		t.Fatalf("b still paired")
	}
}

func TestRegistry_MoveIntoFullRoomKeepsOldRoom(t *testing.T) {
	g := NewRegistry()
	g.Join("a", "alice", "42")
	g.Join("b", "bob", "43")
	g.Join("c", "carol", "43")

	if _, err := g.Join("a", "alice", "43"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if room, _ := g.RoomOf("a"); room != "42" {
		t.Fatalf("a moved to %q", room)
	}
}

func TestRegistry_InvalidRoom(t *testing.T) {
	g := NewRegistry()
	for _, name := range []string{"", "   ", strings.Repeat("x", maxRoomNameBytes+1)} {
		if _, err := g.Join("a", "alice", name); !errors.Is(err, ErrInvalidRoom) {
			t.Errorf("Join(%q) err=%v, want ErrInvalidRoom", name, err)
		}
	}
	if _, err := g.Join("a", "alice", strings.Repeat("x", maxRoomNameBytes)); err != nil {
		t.Fatalf("longest valid name rejected: %v", err)
	}
}

func TestRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	g := NewRegistry()
	g.Join("a", "alice", "42")
	g.Join("b", "bob", "42")

	res, ok := g.Leave("a")
	if !ok || res.Self.Name != "alice" || res.Peer.ID != "b" {
		t.Fatalf("Leave(a)=%+v ok=%v", res, ok)
	}
	if _, ok := g.Leave("a"); ok {
		t.Fatalf("second Leave reported a room")
	}

	res, _ = g.Leave("b")
	if res.Peer.ID != "" {
		t.Fatalf("Leave(b) peer=%+v", res.Peer)
	}
	if rooms, participants := g.Stats(); rooms != 0 || participants != 0 {
		t.Fatalf("stats=%d/%d, want empty", rooms, participants)
	}

	// The room is recreated on demand.
	if _, err := g.Join("c", "carol", "42"); err != nil {
		t.Fatalf("Join after empty: %v", err)
	}
}

func TestRegistry_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	g := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.Join(fmt.Sprintf("p%d", i), "", "42"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != roomCapacity || len(g.Occupants("42")) != roomCapacity {
		t.Fatalf("admitted=%d occupants=%d", admitted, len(g.Occupants("42")))
	}
}
