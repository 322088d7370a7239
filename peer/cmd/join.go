package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/room_call/client"
	"example.com/room_call/pkg/capture"
)

const connectTimeout = 15 * time.Second

var (
	flagServer     string
	flagRoom       string
	flagName       string
	flagCall       bool
	flagCamera     string
	flagScreen     string
	flagShareAfter time.Duration
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and take part in a call",
	Long: `Join a room and wait for the other participant.

Examples:
  room-call-peer join --room 42 --camera camera.ivf
  room-call-peer join --room 42 --camera camera.ivf --call
  room-call-peer join --room 42 --camera camera.ivf --screen screen.ivf --share-after 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(Options{
			Server:     flagServer,
			Room:       flagRoom,
			Name:       flagName,
			Camera:     flagCamera,
			Screen:     flagScreen,
			Call:       flagCall,
			ShareAfter: flagShareAfter,
			STUN:       flagSTUN,
			TURN:       flagTURN,
			TURNUser:   flagTURNUser,
			TURNPass:   flagTURNPass,
		}, os.Getenv)
		if err != nil {
			return err
		}
		return runJoin(cmd.Context(), cfg, slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.StringVarP(&flagServer, "server", "s", "", "relay websocket URL (env ROOM_CALL_SERVER, default "+DefaultServer+")")
	f.StringVarP(&flagRoom, "room", "r", "", "room to join (env ROOM_CALL_ROOM)")
	f.StringVarP(&flagName, "name", "n", "", "display name (env ROOM_CALL_NAME)")
	f.BoolVar(&flagCall, "call", false, "call the other participant as soon as it joins")
	f.StringVar(&flagCamera, "camera", "", "IVF file played as the camera (env ROOM_CALL_CAMERA)")
	f.StringVar(&flagScreen, "screen", "", "IVF file played as the shared screen (env ROOM_CALL_SCREEN)")
	f.DurationVar(&flagShareAfter, "share-after", 0, "start sharing the screen this long after the call is up")
	f.StringVar(&flagSTUN, "stun", "", "STUN server URL (env STUN_SERVER)")
	f.StringVar(&flagTURN, "turn", "", "TURN server URL (env TURN_SERVER)")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
}

func runJoin(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	devices := &capture.FileDevices{
		CameraPath: cfg.CameraPath,
		ScreenPath: cfg.ScreenPath,
		Logger:     logger,
	}
	c := client.NewClient(client.Options{
		URL:             cfg.ServerURL,
		Devices:         devices,
		ICEServers:      cfg.ICEServers(),
		Logger:          logger,
		AutoSendStreams: true,
	})
	defer c.Close()

	p := &participant{ctx: ctx, cfg: cfg, client: c, logger: logger}
	sub := c.Subscribe(p.handleEvent)
	defer sub.Unsubscribe()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Connect(connectCtx, cfg.Name, cfg.Room); err != nil {
		if errors.Is(err, client.ErrJoinRejected) {
			return fmt.Errorf("could not join room %q: %w", cfg.Room, err)
		}
		return err
	}
	logger.Info("waiting in room", "room", c.Room(), "id", c.ID(), "name", cfg.Name)

	select {
	case <-ctx.Done():
		if err := c.Leave(); err != nil {
			logger.Debug("leave not sent", "err", err)
		}
		return nil
	case <-c.Done():
		return fmt.Errorf("relay connection closed")
	}
}

// participant reacts to call events. Handlers run on the client's
// goroutines, so anything slow is started in its own goroutine.
type participant struct {
	ctx    context.Context
	cfg    *Config
	client *client.Client
	logger *slog.Logger
}

func (p *participant) handleEvent(ev client.Event) {
	log := p.logger.With("peer", ev.PeerID)

	switch ev.Kind {
	case client.EventPeerJoined:
		log.Info("participant joined", "name", ev.Name)
		if p.cfg.Call {
			go p.call(ev.PeerID)
		}
	case client.EventIncomingCall:
		log.Info("incoming call")
	case client.EventCallEstablished:
		log.Info("call established")
		if p.cfg.ShareAfter > 0 {
			go p.shareScreenAfter(ev.PeerID, p.cfg.ShareAfter)
		}
	case client.EventRemoteTrack:
		log.Info("remote track", "track", ev.Track.ID(), "kind", ev.Track.Kind())
		go consumeRemoteTrack(p.ctx, ev.Track, log)
	case client.EventRemoteCameraToggled:
		log.Info("remote camera toggled", "enabled", ev.Enabled)
	case client.EventRemoteScreenShare:
		log.Info("remote screen share", "sharing", ev.Enabled)
	case client.EventPeerLeft:
		log.Info("participant left", "name", ev.Name)
	case client.EventNegotiationFailed:
		log.Warn("negotiation failed", "err", ev.Err)
	}
}

func (p *participant) call(peerID string) {
	if _, err := p.client.Call(p.ctx, peerID); err != nil {
		p.logger.Error("call failed", "peer", peerID, "err", err)
	}
}

func (p *participant) shareScreenAfter(peerID string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return
	case <-timer.C:
	}

	s, ok := p.client.Session(peerID)
	if !ok {
		return
	}
	if err := s.StartScreenShare(p.ctx); err != nil {
		p.logger.Error("screen share failed", "peer", peerID, "err", err)
		return
	}
	p.logger.Info("sharing screen", "peer", peerID)
}
