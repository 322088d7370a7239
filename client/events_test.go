package client

import "testing"

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := newEventBus()

	var first, second []EventKind
	sub1 := bus.subscribe(func(ev Event) { first = append(first, ev.Kind) })
	bus.subscribe(func(ev Event) { second = append(second, ev.Kind) })

	bus.publish(Event{Kind: EventPeerJoined})
	sub1.Unsubscribe()
	sub1.Unsubscribe()
	bus.publish(Event{Kind: EventPeerLeft})

	if len(first) != 1 || first[0] != EventPeerJoined {
		t.Fatalf("first=%v, want only peer-joined", first)
	}
	if len(second) != 2 {
		t.Fatalf("second=%v, want both events", second)
	}

	bus.clear()
	bus.publish(Event{Kind: EventPeerJoined})
	if len(second) != 2 {
		t.Fatalf("handler called after clear")
	}
}

func TestEventBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := newEventBus()

	calls := 0
	var sub *Subscription
	sub = bus.subscribe(func(Event) {
		calls++
		sub.Unsubscribe()
	})

	bus.publish(Event{Kind: EventPeerJoined})
	bus.publish(Event{Kind: EventPeerJoined})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestEventKind_String(t *testing.T) {
	if got := EventRemoteScreenShare.String(); got != "remote-screen-share" {
		t.Fatalf("String()=%q", got)
	}
	if got := EventKind(0).String(); got != "unknown" {
		t.Fatalf("String()=%q", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:          "idle",
		StateOfferSent:     "offer-sent",
		StateAnswerSent:    "answer-sent",
		StateStable:        "stable",
		StateRenegotiating: "renegotiating",
		StateClosed:        "closed",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String()=%q, want %q", int(state), got, want)
		}
	}
}
