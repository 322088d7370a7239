package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"example.com/room_call/pkg/protocol"
)

const writeWait = 10 * time.Second

// Participant is one connected client.
type Participant struct {
	ID     string
	conn   *websocket.Conn
	logger *slog.Logger

	// send is drained by writePump. The relay closes it on Unregister.
	send chan protocol.Envelope

	limiter *rate.Limiter

	mu   sync.Mutex
	name string
}

func newParticipant(id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Participant {
	limit := rate.Inf
	burst := 0
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
		burst = cfg.MessagesPerSecond
	}
	return &Participant{
		ID:      id,
		conn:    conn,
		logger:  logger.With("participant", id),
		send:    make(chan protocol.Envelope, cfg.SendQueueSize),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the display name given on the last join.
func (p *Participant) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Participant) setName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

// readPump reads messages from the connection and passes each one to
// handle. It is the only reader of the connection and returns when the
// connection fails or closes.
func (p *Participant) readPump(cfg Config, handle func(*Participant, protocol.Envelope, error)) {
	p.conn.SetReadLimit(cfg.MaxMessageBytes)
	p.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.logger.Warn("websocket read failed", "err", err)
			} else {
				p.logger.Debug("connection ended", "err", err)
			}
			return
		}

		if !p.limiter.Allow() {
			p.logger.Warn("rate limit exceeded, dropping message", "bytes", len(data))
			continue
		}

		env, err := protocol.Parse(data)
		handle(p, env, err)
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings. It is the only writer of the connection.
func (p *Participant) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case env, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteJSON(env); err != nil {
				p.logger.Warn("websocket write failed", "type", env.Type, "err", err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
