package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"example.com/room_call/client"
	"example.com/room_call/client/clienttest"
	"example.com/room_call/pkg/protocol"
)

func newTestServer(t *testing.T, args ...string) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := loadConfig(lookupMap(nil), args, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	srv := NewServer(cfg, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialPeer(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(kind protocol.Kind, to string, payload any) {
	p.t.Helper()
	env, err := protocol.New(kind, to, payload)
	if err != nil {
		p.t.Fatalf("New: %v", err)
	}
	if err := p.conn.WriteJSON(env); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *wsPeer) next() protocol.Envelope {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := p.conn.ReadJSON(&env); err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return env
}

func (p *wsPeer) expect(kind protocol.Kind) protocol.Envelope {
	p.t.Helper()
	env := p.next()
	if env.Type != kind {
		p.t.Fatalf("got %s %s, want %s", env.Type, env.Payload, kind)
	}
	return env
}

func (p *wsPeer) expectError(code string) {
	p.t.Helper()
	var e protocol.ErrorPayload
	if err := p.expect(protocol.KindError).Decode(&e); err != nil {
		p.t.Fatalf("decode error: %v", err)
	}
	if e.Code != code {
		p.t.Fatalf("error code=%q (%s), want %q", e.Code, e.Message, code)
	}
}

func (p *wsPeer) join(name, room string) {
	p.t.Helper()
	p.send(protocol.KindRoomJoin, "", protocol.JoinRequest{Name: name, Room: room})
	var ack protocol.JoinAck
	if err := p.expect(protocol.KindRoomJoin).Decode(&ack); err != nil {
		p.t.Fatalf("decode ack: %v", err)
	}
	if ack.ID == "" || ack.Room != strings.TrimSpace(room) {
		p.t.Fatalf("ack=%+v", ack)
	}
	p.id = ack.ID
}

func TestServer_JoinJoinCallAnswer(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialPeer(t, ts)
	bob := dialPeer(t, ts)

	alice.join("alice", "42")
	bob.join("bob", "42")

	var joined protocol.UserJoined
	if err := alice.expect(protocol.KindUserJoined).Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.ID != bob.id || joined.Name != "bob" {
		t.Fatalf("user:joined=%+v", joined)
	}

	alice.send(protocol.KindUserCall, bob.id, json.RawMessage(`{"offer":{"type":"offer","sdp":"o"}}`))
	call := bob.expect(protocol.KindIncomingCall)
	if call.From != alice.id || call.To != "" || string(call.Payload) != `{"offer":{"type":"offer","sdp":"o"}}` {
		t.Fatalf("incoming:call=%+v", call)
	}

	bob.send(protocol.KindCallAccepted, alice.id, json.RawMessage(`{"answer":{"type":"answer","sdp":"a"}}`))
	if env := alice.expect(protocol.KindCallAccepted); env.From != bob.id {
		t.Fatalf("call:accepted from %q", env.From)
	}

	// Kinds without a recipient go to the room peer.
	bob.send(protocol.KindScreenShare, "", protocol.ScreenPayload{TrackID: "screen"})
	alice.expect(protocol.KindScreenShared)
	alice.send(protocol.KindNegoDone, bob.id, json.RawMessage(`{"answer":{"type":"answer","sdp":"r"}}`))
	bob.expect(protocol.KindNegoFinal)
}

func TestServer_ThirdParticipantRejected(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialPeer(t, ts)
	bob := dialPeer(t, ts)
	carol := dialPeer(t, ts)

	alice.join("alice", "42")
	bob.join("bob", "42")
	alice.expect(protocol.KindUserJoined)

	carol.send(protocol.KindRoomJoin, "", protocol.JoinRequest{Name: "carol", Room: "42"})
	carol.expectError(protocol.CodeRoomFull)

	// The pair still routes to each other.
	alice.send(protocol.KindCameraToggled, "", protocol.CameraPayload{Enabled: false})
	if env := bob.expect(protocol.KindCameraToggled); env.From != alice.id {
		t.Fatalf("camera:toggled from %q", env.From)
	}
}

func TestServer_DisconnectNotifiesPeer(t *testing.T) {
	srv, ts := newTestServer(t)
	alice := dialPeer(t, ts)
	bob := dialPeer(t, ts)

	alice.join("alice", "42")
	bob.join("bob", "42")
	alice.expect(protocol.KindUserJoined)

	bob.conn.Close()

	left := alice.expect(protocol.KindUserLeft)
	var p protocol.UserLeft
	if err := left.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != bob.id || p.Name != "bob" || left.From != bob.id {
		t.Fatalf("user:left=%+v from=%q", p, left.From)
	}
	if rooms, participants := srv.registry.Stats(); rooms != 1 || participants != 1 {
		t.Fatalf("stats=%d/%d", rooms, participants)
	}
}

func TestServer_VoluntaryLeave(t *testing.T) {
	srv, ts := newTestServer(t)
	alice := dialPeer(t, ts)
	bob := dialPeer(t, ts)

	alice.join("alice", "42")
	bob.join("bob", "42")
	alice.expect(protocol.KindUserJoined)

	bob.send(protocol.KindUserLeft, "", protocol.UserLeft{Email: "bob", Name: "bob"})
	if env := alice.expect(protocol.KindUserLeft); env.From != bob.id {
		t.Fatalf("user:left from %q", env.From)
	}

	// Bob is out of the room, so routed messages are refused.
	bob.send(protocol.KindCameraToggled, "", protocol.CameraPayload{Enabled: true})
	bob.expectError(protocol.CodeNotJoined)

	bob.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.relay.Connected() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("bob still connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// No second user:left after the connection drops.
	alice.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var env protocol.Envelope
	if err := alice.conn.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected %s after voluntary leave", env.Type)
	}
}

func TestServer_BadMessages(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialPeer(t, ts)

	alice.conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	alice.expectError(protocol.CodeBadMessage)

	alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user:call","to":"x","payload":{},"extra":1}`))
	alice.expectError(protocol.CodeBadMessage)

	alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"incoming:call","to":"x","payload":{}}`))
	alice.expectError(protocol.CodeBadMessage)

	alice.send(protocol.KindUserCall, "x", json.RawMessage(`{}`))
	alice.expectError(protocol.CodeNotJoined)

	alice.send(protocol.KindRoomJoin, "", protocol.JoinRequest{Name: "alice", Room: strings.Repeat("r", maxRoomNameBytes+1)})
	alice.expectError(protocol.CodeInvalidRoom)

	// The connection survives every rejection.
	alice.join("alice", "42")
}

func TestServer_OversizedMessageDropsConnection(t *testing.T) {
	srv, ts := newTestServer(t, "--max-message-bytes=1024")
	alice := dialPeer(t, ts)
	alice.join("alice", "42")

	big := strings.Repeat("x", 4096)
	alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"camera:toggled","payload":"`+big+`"}`))

	deadline := time.Now().Add(2 * time.Second)
	for srv.relay.Connected() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("oversized sender still connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rooms, _ := srv.registry.Stats(); rooms != 0 {
		t.Fatalf("room not released")
	}
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialPeer(t, ts)
	alice.join("alice", "42")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Rooms != 1 || h.Participants != 1 || h.Connected != 1 {
		t.Fatalf("health=%+v", h)
	}

	resp, err = http.Post(ts.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d", resp.StatusCode)
	}
}

func TestServer_AllowedOrigins(t *testing.T) {
	_, ts := newTestServer(t, "--allowed-origins", "https://call.example")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header); err == nil {
		t.Fatalf("foreign origin accepted")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("err=%v resp=%v, want 403", err, resp)
	}

	header.Set("Origin", "https://call.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

// Two library clients with fake media complete a call through the relay and
// see each other leave.
func TestServer_ClientsEstablishCall(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newClient := func() (*client.Client, *clienttest.Recorder) {
		c := client.NewClient(client.Options{
			URL:             wsURL(ts),
			Devices:         &clienttest.Devices{},
			Logger:          testLogger(),
			AutoSendStreams: true,
			NewPeerConnection: func() (client.PeerConnection, error) {
				return clienttest.NewPeerConnection(), nil
			},
		})
		rec := &clienttest.Recorder{}
		c.Subscribe(rec.Record)
		t.Cleanup(func() { c.Close() })
		return c, rec
	}

	alice, aliceEvents := newClient()
	bob, bobEvents := newClient()

	if err := alice.Connect(ctx, "alice", "42"); err != nil {
		t.Fatalf("alice Connect: %v", err)
	}
	if err := bob.Connect(ctx, "bob", "42"); err != nil {
		t.Fatalf("bob Connect: %v", err)
	}

	waitUntil(t, "peer joined", func() bool { return aliceEvents.Count(client.EventPeerJoined) == 1 })
	if _, err := alice.Call(ctx, bob.ID()); err != nil {
		t.Fatalf("Call: %v", err)
	}

	waitUntil(t, "both established", func() bool {
		return aliceEvents.Count(client.EventCallEstablished) == 1 && bobEvents.Count(client.EventCallEstablished) == 1
	})
	as, _ := alice.Session(bob.ID())
	bs, _ := bob.Session(alice.ID())
	if as.State() != client.StateStable || bs.State() != client.StateStable {
		t.Fatalf("states %s/%s", as.State(), bs.State())
	}

	if _, err := as.ToggleCamera(); err != nil {
		t.Fatalf("ToggleCamera: %v", err)
	}
	waitUntil(t, "camera toggled", func() bool { return bobEvents.Count(client.EventRemoteCameraToggled) == 1 })

	bob.Close()
	waitUntil(t, "peer left", func() bool { return aliceEvents.Count(client.EventPeerLeft) == 1 })
	if as.State() != client.StateClosed {
		t.Fatalf("alice session %s after peer left", as.State())
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
