package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Defaults used when neither a flag nor the environment sets a value.
const (
	DefaultServer = "ws://localhost:8080/ws"
	DefaultSTUN   = "stun:stun.l.google.com:19302"
)

// Config is the resolved participant configuration.
type Config struct {
	ServerURL string
	Room      string
	Name      string

	CameraPath string
	ScreenPath string

	// Call places a call as soon as another participant joins.
	Call bool

	// ShareAfter starts a screen share this long after the call is
	// established. Zero disables it.
	ShareAfter time.Duration

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options carries command-line values. Empty strings fall through to the
// environment.
type Options struct {
	Server     string
	Room       string
	Name       string
	Camera     string
	Screen     string
	Call       bool
	ShareAfter time.Duration
	STUN       string
	TURN       string
	TURNUser   string
	TURNPass   string
}

// LoadConfig resolves each setting as flag > environment > default.
func LoadConfig(opts Options, getenv func(string) string) (*Config, error) {
	pick := func(flag, env, fallback string) string {
		if flag != "" {
			return flag
		}
		if v := getenv(env); v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		ServerURL:  pick(opts.Server, "ROOM_CALL_SERVER", DefaultServer),
		Room:       pick(opts.Room, "ROOM_CALL_ROOM", ""),
		Name:       pick(opts.Name, "ROOM_CALL_NAME", ""),
		CameraPath: pick(opts.Camera, "ROOM_CALL_CAMERA", ""),
		ScreenPath: pick(opts.Screen, "ROOM_CALL_SCREEN", ""),
		Call:       opts.Call,
		ShareAfter: opts.ShareAfter,
		STUNServer: pick(opts.STUN, "STUN_SERVER", DefaultSTUN),
		TURNServer: pick(opts.TURN, "TURN_SERVER", ""),
		TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
	}
	if cfg.Name == "" {
		cfg.Name = "peer-" + uuid.NewString()[:8]
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server URL %q must use ws or wss", cfg.ServerURL)
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("no room given (use --room or ROOM_CALL_ROOM)")
	}
	if cfg.CameraPath == "" {
		return nil, fmt.Errorf("no camera file given (use --camera or ROOM_CALL_CAMERA)")
	}
	if cfg.ShareAfter < 0 {
		return nil, fmt.Errorf("--share-after must not be negative")
	}
	if cfg.ShareAfter > 0 && cfg.ScreenPath == "" {
		return nil, fmt.Errorf("--share-after needs a screen file (use --screen or ROOM_CALL_SCREEN)")
	}
	return cfg, nil
}

// ICEServers returns the STUN server and, when configured, the TURN server
// with its credentials.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if c.STUNServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{c.STUNServer}})
	}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNServer},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}
