package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"example.com/room_call/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParticipant(id string, queue int) *Participant {
	return &Participant{
		ID:     id,
		logger: testLogger(),
		send:   make(chan protocol.Envelope, queue),
	}
}

func newTestRelay(t *testing.T, queue int) (*Relay, map[string]*Participant) {
	t.Helper()
	g := NewRegistry()
	r := NewRelay(g, testLogger())

	ps := make(map[string]*Participant)
	for _, j := range []struct{ id, room string }{{"a", "42"}, {"b", "42"}, {"c", "43"}} {
		p := testParticipant(j.id, queue)
		r.Register(p)
		if _, err := g.Join(j.id, j.id, j.room); err != nil {
			t.Fatalf("Join: %v", err)
		}
		ps[j.id] = p
	}
	return r, ps
}

func drain(p *Participant) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env, ok := <-p.send:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRelay_RewritesRoutingAndKeepsPayload(t *testing.T) {
	r, ps := newTestRelay(t, 8)

	payload := json.RawMessage(`{"offer":{"type":"offer","sdp":"v=0\r\n"},"extra":[1,2]}`)
	err := r.Relay("a", protocol.Envelope{Type: protocol.KindUserCall, To: "b", Payload: payload})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}

	got := drain(ps["b"])
	if len(got) != 1 {
		t.Fatalf("b received %d messages", len(got))
	}
	env := got[0]
	if env.Type != protocol.KindIncomingCall || env.From != "a" || env.To != "" {
		t.Fatalf("routing=%+v", env)
	}
	if string(env.Payload) != string(payload) {
		t.Fatalf("payload changed: %s", env.Payload)
	}
}

func TestRelay_KindRewrites(t *testing.T) {
	tests := []struct {
		in, out protocol.Kind
	}{
		{protocol.KindUserCall, protocol.KindIncomingCall},
		{protocol.KindCallAccepted, protocol.KindCallAccepted},
		{protocol.KindNegoNeeded, protocol.KindNegoNeeded},
		{protocol.KindNegoDone, protocol.KindNegoFinal},
		{protocol.KindICECandidate, protocol.KindICECandidate},
		{protocol.KindScreenShare, protocol.KindScreenShared},
		{protocol.KindScreenStop, protocol.KindScreenStop},
		{protocol.KindCameraToggled, protocol.KindCameraToggled},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			r, ps := newTestRelay(t, 8)
			if err := r.Relay("b", protocol.Envelope{Type: tt.in, Payload: json.RawMessage(`{}`)}); err != nil {
				t.Fatalf("Relay: %v", err)
			}
			got := drain(ps["a"])
			if len(got) != 1 || got[0].Type != tt.out {
				t.Fatalf("got %v, want one %s", got, tt.out)
			}
		})
	}
}

func TestRelay_PreservesOrderPerPair(t *testing.T) {
	r, ps := newTestRelay(t, 256)

	for i := 0; i < 100; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"candidate":{"candidate":"c%d"}}`, i))
		if err := r.Relay("a", protocol.Envelope{Type: protocol.KindICECandidate, To: "b", Payload: payload}); err != nil {
			t.Fatalf("Relay %d: %v", i, err)
		}
	}

	got := drain(ps["b"])
	if len(got) != 100 {
		t.Fatalf("received %d of 100", len(got))
	}
	for i, env := range got {
		want := fmt.Sprintf(`{"candidate":{"candidate":"c%d"}}`, i)
		if string(env.Payload) != want {
			t.Fatalf("message %d=%s, want %s", i, env.Payload, want)
		}
	}
}

func TestRelay_CrossRoomDropped(t *testing.T) {
	r, ps := newTestRelay(t, 8)

	err := r.Relay("a", protocol.Envelope{Type: protocol.KindUserCall, To: "c", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrNotRouted) {
		t.Fatalf("err=%v, want ErrNotRouted", err)
	}
	if n := len(drain(ps["c"])); n != 0 {
		t.Fatalf("c received %d messages", n)
	}

	err = r.Relay("c", protocol.Envelope{Type: protocol.KindCameraToggled, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrNotRouted) {
		t.Fatalf("alone in room: err=%v, want ErrNotRouted", err)
	}
	if n := len(drain(ps["a"])) + len(drain(ps["b"])); n != 0 {
		t.Fatalf("lone sender reached %d participants", n)
	}
}

func TestRelay_RecipientGone(t *testing.T) {
	r, _ := newTestRelay(t, 8)
	r.Unregister("b")
	r.Unregister("b")

	err := r.Relay("a", protocol.Envelope{Type: protocol.KindICECandidate, To: "b", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrRecipientGone) {
		t.Fatalf("err=%v, want ErrRecipientGone", err)
	}
	if r.Connected() != 2 {
		t.Fatalf("connected=%d", r.Connected())
	}
}

func TestRelay_FullQueueDrops(t *testing.T) {
	r, ps := newTestRelay(t, 1)

	env := protocol.Envelope{Type: protocol.KindICECandidate, To: "b", Payload: json.RawMessage(`{}`)}
	if err := r.Relay("a", env); err != nil {
		t.Fatalf("first Relay: %v", err)
	}
	if err := r.Relay("a", env); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want ErrQueueFull", err)
	}
	if n := len(drain(ps["b"])); n != 1 {
		t.Fatalf("b received %d", n)
	}
}

func TestRelay_UnregisterClosesQueue(t *testing.T) {
	r, ps := newTestRelay(t, 8)
	r.Unregister("a")

	if _, ok := <-ps["a"].send; ok {
		t.Fatalf("queue still open")
	}
	if err := r.Send("a", joinAck("42", "a")); !errors.Is(err, ErrRecipientGone) {
		t.Fatalf("Send after Unregister err=%v", err)
	}
}
