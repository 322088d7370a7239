package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"example.com/room_call/pkg/capture"
	"example.com/room_call/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	joinTimeout    = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Options configures a Client.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	Devices    capture.Devices
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// AutoSendStreams attaches local media right after answering a call.
	// Otherwise the callee calls Session.SendStreams itself.
	AutoSendStreams bool

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// NewPeerConnection defaults to NewPeerConnection with ICEServers.
	NewPeerConnection func() (PeerConnection, error)
}

// Client is one participant: a relay connection plus a Session per remote
// participant.
type Client struct {
	opts   Options
	logger *slog.Logger
	bus    *eventBus

	writeMu sync.Mutex // serializes websocket writes
	conn    *websocket.Conn

	mu       sync.Mutex
	id       string
	name     string
	room     string
	sessions map[string]*Session
	departed map[string]struct{} // peers that left; cleared when they rejoin
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Call Connect to join a room.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewPeerConnection == nil {
		cfg := PeerConnectionConfig{ICEServers: opts.ICEServers, Logger: logger}
		opts.NewPeerConnection = func() (PeerConnection, error) {
			return NewPeerConnection(cfg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		logger:   logger,
		bus:      newEventBus(),
		sessions: make(map[string]*Session),
		departed: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and joins room under name. It returns once the
// relay has acknowledged the join and assigned this client its id.
func (c *Client) Connect(ctx context.Context, name, room string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	ack, err := c.join(ctx, conn, name, room)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.id = ack.ID
	c.name = name
	c.room = ack.Room
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.logger = c.logger.With("id", ack.ID)
	c.logger.Info("joined room", "room", ack.Room, "name", name)

	go c.readLoop(conn)
	return nil
}

func (c *Client) join(ctx context.Context, conn *websocket.Conn, name, room string) (protocol.JoinAck, error) {
	env, err := protocol.New(protocol.KindRoomJoin, "", protocol.JoinRequest{Name: name, Room: room})
	if err != nil {
		return protocol.JoinAck{}, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return protocol.JoinAck{}, fmt.Errorf("send join: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(joinTimeout)
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var reply protocol.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			return protocol.JoinAck{}, fmt.Errorf("await join: %w", err)
		}

		switch reply.Type {
		case protocol.KindRoomJoin:
			var ack protocol.JoinAck
			if err := reply.Decode(&ack); err != nil {
				return protocol.JoinAck{}, err
			}
			return ack, nil
		case protocol.KindError:
			var p protocol.ErrorPayload
			if err := reply.Decode(&p); err != nil {
				return protocol.JoinAck{}, err
			}
			return protocol.JoinAck{}, fmt.Errorf("%w: %s: %s", ErrJoinRejected, p.Code, p.Message)
		default:
			c.logger.Debug("ignoring message before join ack", "type", reply.Type)
		}
	}
}

// ID returns the id the relay assigned on join.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Room returns the joined room.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Subscribe registers fn for client and session events. Handlers run on
// the goroutine that produced the event and must not block.
func (c *Client) Subscribe(fn func(Event)) *Subscription {
	return c.bus.subscribe(fn)
}

// Done is closed when the relay connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Session returns the session with remoteID, if any.
func (c *Client) Session(remoteID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remoteID]
	return s, ok
}

// Call places a call to remoteID.
func (c *Client) Call(ctx context.Context, remoteID string) (*Session, error) {
	s, err := c.session(remoteID)
	if err != nil {
		return nil, err
	}
	if err := s.InitiateCall(ctx); err != nil {
		c.discardAborted(s)
		return s, err
	}
	return s, nil
}

// discardAborted drops a session whose first negotiation was abandoned. Its
// peer connection has already seen an offer, so the next attempt gets a new
// session and peer connection.
func (c *Client) discardAborted(s *Session) {
	if s.State() != StateIdle {
		return
	}
	c.mu.Lock()
	if c.sessions[s.RemoteID()] == s {
		delete(c.sessions, s.RemoteID())
	}
	c.mu.Unlock()
	s.Close()
}

// session returns the live session with remoteID, creating one when it is
// missing or closed.
func (c *Client) session(remoteID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.id == "" {
		return nil, ErrNotConnected
	}
	if s, ok := c.sessions[remoteID]; ok && s.State() != StateClosed {
		return s, nil
	}

	pc, err := c.opts.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	s := NewSession(SessionConfig{
		RemoteID:       remoteID,
		PeerConnection: pc,
		Devices:        c.opts.Devices,
		Signal:         c.send,
		Emit:           c.bus.publish,
		Logger:         c.logger,
	})
	c.sessions[remoteID] = s
	return s, nil
}

func (c *Client) send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer c.closeSessions()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindUserJoined:
		var p protocol.UserJoined
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad user:joined", "err", err)
			return
		}
		c.mu.Lock()
		delete(c.departed, p.ID)
		c.mu.Unlock()
		if _, err := c.session(p.ID); err != nil {
			c.logger.Error("failed to create session", "peer", p.ID, "err", err)
			return
		}
		c.logger.Info("peer joined", "peer", p.ID, "name", p.Name)
		c.bus.publish(Event{Kind: EventPeerJoined, PeerID: p.ID, Name: p.Name})

	case protocol.KindIncomingCall:
		if c.hasDeparted(env.From) {
			c.logger.Debug("discarding call from departed peer", "peer", env.From)
			return
		}
		s, err := c.session(env.From)
		if err != nil {
			c.logger.Error("failed to create session", "peer", env.From, "err", err)
			return
		}
		if st := s.State(); st != StateIdle {
			c.logger.Warn("ignoring call offer", "peer", env.From, "state", st.String())
			return
		}
		c.bus.publish(Event{Kind: EventIncomingCall, PeerID: env.From})
		if err := s.HandleMessage(c.ctx, env); err != nil {
			c.logger.Warn("incoming call failed", "peer", env.From, "err", err)
			c.discardAborted(s)
			return
		}
		if c.opts.AutoSendStreams {
			if err := s.SendStreams(); err != nil {
				c.logger.Warn("send streams failed", "peer", env.From, "err", err)
			}
		}

	case protocol.KindUserLeft:
		var p protocol.UserLeft
		if len(env.Payload) > 0 {
			if err := env.Decode(&p); err != nil {
				c.logger.Debug("bad user:left payload", "err", err)
			}
		}
		peerID := env.From
		if peerID == "" {
			peerID = p.ID
		}

		c.mu.Lock()
		s, ok := c.sessions[peerID]
		delete(c.sessions, peerID)
		if peerID != "" {
			c.departed[peerID] = struct{}{}
		}
		c.mu.Unlock()

		if ok {
			s.Close()
		}
		c.logger.Info("peer left", "peer", peerID)
		c.bus.publish(Event{Kind: EventPeerLeft, PeerID: peerID, Name: p.Name})

	case protocol.KindError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad error payload", "err", err)
			return
		}
		c.logger.Warn("relay error", "code", p.Code, "message", p.Message)

	default:
		s, ok := c.Session(env.From)
		if !ok {
			c.logger.Debug("discarding message from unknown peer", "type", env.Type, "peer", env.From)
			return
		}
		if err := s.HandleMessage(c.ctx, env); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				c.logger.Debug("discarding message for closed session", "type", env.Type, "peer", env.From)
				return
			}
			c.logger.Warn("message handling failed", "type", env.Type, "peer", env.From, "err", err)
		}
	}
}

func (c *Client) hasDeparted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.departed[id]
	return ok
}

// Leave tells the peer we are leaving and closes every session. The relay
// connection stays open until Close.
func (c *Client) Leave() error {
	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	env, err := protocol.New(protocol.KindUserLeft, "", protocol.UserLeft{Email: name, Name: name})
	if err != nil {
		return err
	}
	err = c.send(env)
	c.closeSessions()
	return err
}

func (c *Client) closeSessions() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Close ends every session, closes the relay connection and drops all
// subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.closeSessions()

	c.writeMu.Lock()
	conn := c.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.writeMu.Unlock()

	if conn != nil {
		conn.Close()
		<-c.done
	}
	c.bus.clear()
	c.logger.Info("disconnected")
	return nil
}
