package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"example.com/room_call/pkg/protocol"
)

// Server is the signaling relay: an HTTP surface over a Registry and a
// Relay.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	relay    *Relay
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	registry := NewRegistry()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		relay:    NewRelay(registry, logger),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWs)
	mux.HandleFunc("GET /health", s.ServeHealth)
	return mux
}

// Close drops every websocket connection.
func (s *Server) Close() {
	s.relay.CloseAll()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

type healthResponse struct {
	Status       string `json:"status"`
	Rooms        int    `json:"rooms"`
	Participants int    `json:"participants"`
	Connected    int    `json:"connected"`
}

func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	rooms, participants := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Rooms:        rooms,
		Participants: participants,
		Connected:    s.relay.Connected(),
	})
}

// ServeWs upgrades the request and serves one participant until it
// disconnects.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	p := newParticipant(uuid.NewString(), conn, s.cfg, s.logger)
	s.relay.Register(p)
	p.logger.Info("participant connected", "remote", r.RemoteAddr)

	go p.writePump(s.cfg)
	p.readPump(s.cfg, s.handleMessage)
	s.disconnect(p)
}

func (s *Server) handleMessage(p *Participant, env protocol.Envelope, err error) {
	if err != nil {
		p.logger.Warn("invalid message", "err", err)
		s.reply(p, errorMessage(protocol.CodeBadMessage, err.Error()))
		return
	}

	switch {
	case env.Type == protocol.KindRoomJoin:
		s.handleJoin(p, env)
	case env.Type == protocol.KindUserLeft:
		s.handleLeave(p, env)
	case protocol.Routed(env.Type):
		s.handleRouted(p, env)
	default:
		s.reply(p, errorMessage(protocol.CodeBadMessage, fmt.Sprintf("unsupported message type %q", env.Type)))
	}
}

func (s *Server) handleJoin(p *Participant, env protocol.Envelope) {
	var req protocol.JoinRequest
	if err := env.Decode(&req); err != nil {
		s.reply(p, errorMessage(protocol.CodeBadMessage, err.Error()))
		return
	}
	name := strings.TrimSpace(req.Name)

	res, err := s.registry.Join(p.ID, name, req.Room)
	switch {
	case errors.Is(err, ErrRoomFull):
		p.logger.Info("join rejected, room full", "room", req.Room)
		s.reply(p, errorMessage(protocol.CodeRoomFull, fmt.Sprintf("room %q is full", strings.TrimSpace(req.Room))))
		return
	case errors.Is(err, ErrInvalidRoom):
		s.reply(p, errorMessage(protocol.CodeInvalidRoom, err.Error()))
		return
	case err != nil:
		s.reply(p, errorMessage(protocol.CodeBadMessage, err.Error()))
		return
	}
	p.setName(name)

	if res.Left.ID != "" {
		s.notify(res.Left.ID, userLeft(p.ID, name))
	}
	s.reply(p, joinAck(res.Room, p.ID))
	if res.Peer.ID != "" && !res.Rejoined {
		s.notify(res.Peer.ID, userJoined(p.ID, name))
	}
	p.logger.Info("joined room", "room", res.Room, "name", name, "peer", res.Peer.ID)
}

// handleLeave forwards a voluntary leave to the room peer, then removes
// the sender from its room. The connection stays open.
func (s *Server) handleLeave(p *Participant, env protocol.Envelope) {
	if _, ok := s.registry.RoomOf(p.ID); !ok {
		return
	}
	if err := s.relay.Relay(p.ID, env); err != nil && !errors.Is(err, ErrNotRouted) {
		p.logger.Debug("leave not delivered", "err", err)
	}
	if res, ok := s.registry.Leave(p.ID); ok {
		p.logger.Info("left room", "room", res.Room)
	}
}

func (s *Server) handleRouted(p *Participant, env protocol.Envelope) {
	if _, ok := s.registry.RoomOf(p.ID); !ok {
		s.reply(p, errorMessage(protocol.CodeNotJoined, fmt.Sprintf("%s sent before room:join", env.Type)))
		return
	}
	if err := s.relay.Relay(p.ID, env); err != nil {
		p.logger.Debug("message dropped", "type", env.Type, "to", env.To, "err", err)
	}
}

func (s *Server) disconnect(p *Participant) {
	res, joined := s.registry.Leave(p.ID)
	s.relay.Unregister(p.ID)

	if joined && res.Peer.ID != "" {
		s.notify(res.Peer.ID, userLeft(p.ID, res.Self.Name))
	}
	p.logger.Info("participant disconnected", "room", res.Room)
}

func (s *Server) reply(p *Participant, env protocol.Envelope) {
	s.notify(p.ID, env)
}

func (s *Server) notify(id string, env protocol.Envelope) {
	if err := s.relay.Send(id, env); err != nil {
		s.logger.Debug("server message not delivered", "type", env.Type, "to", id, "err", err)
	}
}
