package client

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"example.com/room_call/pkg/capture"
	"example.com/room_call/pkg/protocol"
)

// ToggleCamera mutes or unmutes the camera track and tells the peer. The
// negotiated media is unchanged. It returns the new enablement.
func (s *Session) ToggleCamera() (bool, error) {
	var enabled bool
	err := s.run(func() error {
		const op = "toggle camera"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		if s.camera == nil || s.camera.Video == nil {
			return s.fail(op, ErrNoLocalMedia, nil)
		}

		enabled = !s.camera.Video.Enabled()
		s.camera.Video.SetEnabled(enabled)
		s.cameraEnabled = enabled

		if s.state == StateIdle {
			return nil
		}
		if err := s.send(protocol.KindCameraToggled, protocol.CameraPayload{Enabled: enabled}); err != nil {
			return s.fail(op, ErrCapability, err)
		}
		return nil
	})
	return enabled, err
}

// ToggleMic mutes or unmutes the microphone. Nothing is signaled.
func (s *Session) ToggleMic() (bool, error) {
	var enabled bool
	err := s.run(func() error {
		const op = "toggle microphone"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		if s.camera == nil || s.camera.Audio == nil {
			return s.fail(op, ErrNoLocalMedia, nil)
		}

		enabled = !s.camera.Audio.Enabled()
		s.camera.Audio.SetEnabled(enabled)
		s.micEnabled = enabled
		return nil
	})
	return enabled, err
}

// SendStreams attaches the local microphone and video to the connection.
// Video is the screen while sharing, the camera otherwise. Attaching new
// tracks raises negotiation-needed on the peer connection.
func (s *Session) SendStreams() error {
	return s.run(func() error {
		const op = "send streams"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		return s.sendStreams(op)
	})
}

func (s *Session) sendStreams(op string) error {
	if s.camera == nil {
		return s.fail(op, ErrNoLocalMedia, nil)
	}
	if s.streamSent {
		return nil
	}

	if s.camera.Audio != nil && s.audioSender == nil {
		sender, err := s.pc.AddTrack(s.camera.Audio.Local())
		if err != nil {
			return s.fail(op, ErrCapability, err)
		}
		s.audioSender = sender
	}

	if s.videoSender == nil {
		video := s.camera.Video
		if s.screen != nil {
			video = s.screen.Video
		}
		if video != nil {
			sender, err := s.pc.AddTrack(video.Local())
			if err != nil {
				return s.fail(op, ErrCapability, err)
			}
			s.videoSender = sender
		}
	}

	s.streamSent = true
	s.logger.Debug("local streams attached")
	return nil
}

// StartScreenShare captures the screen and puts it on the video sender in
// place of the camera. Without a video sender the screen track is added,
// which triggers a renegotiation. A call must be in progress.
func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.run(func() error {
		const op = "start screen share"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		if s.camera == nil {
			return s.fail(op, ErrNoLocalMedia, errors.New("no call in progress"))
		}
		if s.screen != nil {
			return nil
		}
		if s.devices == nil {
			return s.fail(op, ErrMediaAcquisition, capture.ErrNoDevice)
		}

		stream, err := s.devices.DisplayMedia(ctx)
		if err != nil {
			return s.fail(op, ErrMediaAcquisition, err)
		}
		if stream.Video == nil {
			stream.Stop()
			return s.fail(op, ErrMediaAcquisition, capture.ErrNoDevice)
		}

		if s.videoSender != nil {
			if err := s.videoSender.ReplaceTrack(stream.Video.Local()); err != nil {
				stream.Stop()
				return s.fail(op, ErrCapability, err)
			}
		} else {
			sender, err := s.pc.AddTrack(stream.Video.Local())
			if err != nil {
				stream.Stop()
				return s.fail(op, ErrCapability, err)
			}
			s.videoSender = sender
		}

		s.screen = stream
		stream.Video.OnEnded(func() {
			_ = s.screenEnded(stream)
		})
		s.logger.Info("screen share started", "track", stream.Video.ID())

		if err := s.send(protocol.KindScreenShare, protocol.ScreenPayload{TrackID: stream.Video.ID()}); err != nil {
			return s.fail(op, ErrCapability, err)
		}
		return nil
	})
}

// StopScreenShare puts the camera back on the video sender, or clears it
// when no camera is held, and releases the screen. It does nothing when
// not sharing.
func (s *Session) StopScreenShare() error {
	return s.run(func() error {
		const op = "stop screen share"
		if s.state == StateClosed {
			return s.fail(op, ErrSessionClosed, nil)
		}
		if s.screen == nil {
			return nil
		}
		return s.stopScreenShare(op)
	})
}

func (s *Session) screenEnded(stream *capture.Stream) error {
	return s.run(func() error {
		if s.state == StateClosed || s.screen != stream {
			return nil
		}
		s.logger.Info("screen source ended")
		return s.stopScreenShare("screen source ended")
	})
}

func (s *Session) stopScreenShare(op string) error {
	var next webrtc.TrackLocal
	if s.camera != nil && s.camera.Video != nil {
		next = s.camera.Video.Local()
	}
	if s.videoSender != nil {
		if err := s.videoSender.ReplaceTrack(next); err != nil {
			return s.fail(op, ErrCapability, err)
		}
	}

	s.screen.Stop()
	s.screen = nil
	s.logger.Info("screen share stopped")

	if err := s.send(protocol.KindScreenStop, protocol.ScreenPayload{}); err != nil {
		return s.fail(op, ErrCapability, err)
	}
	return nil
}

func (s *Session) acquireCamera(ctx context.Context, op string) error {
	if s.camera != nil {
		return nil
	}
	if s.devices == nil {
		return s.fail(op, ErrMediaAcquisition, capture.ErrNoDevice)
	}

	stream, err := s.devices.UserMedia(ctx)
	if err != nil {
		return s.fail(op, ErrMediaAcquisition, err)
	}
	s.camera = stream
	s.cameraEnabled = stream.Video != nil
	s.micEnabled = stream.Audio != nil
	return nil
}

// releaseLocalMedia stops all capture and forgets the senders.
func (s *Session) releaseLocalMedia() {
	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	if s.camera != nil {
		s.camera.Stop()
		s.camera = nil
	}
	s.videoSender = nil
	s.audioSender = nil
	s.streamSent = false
	s.cameraEnabled = false
	s.micEnabled = false
}
