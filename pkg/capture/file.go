package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"example.com/room_call/pkg/audio"
)

const (
	opusPayloadType = 111
	opusFrameTime   = 20 * time.Millisecond
	defaultToneHz   = 440
	toneAmplitude   = 0.2
)

// FileDevices serves camera and screen video from IVF files and the
// microphone from a synthetic Opus tone.
//
// The camera file loops forever. The screen file plays once; reaching its
// end ends the screen track the way a user stopping a share would.
type FileDevices struct {
	CameraPath string
	ScreenPath string

	// ToneHz is the microphone tone frequency. Zero selects 440 Hz.
	ToneHz float64

	// NoMicrophone makes UserMedia return video only.
	NoMicrophone bool

	Logger *slog.Logger
}

func (d *FileDevices) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// UserMedia opens the camera file and starts the microphone tone.
func (d *FileDevices) UserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "camera-" + uuid.NewString()

	video, err := d.openVideo(d.CameraPath, "camera", streamID, true)
	if err != nil {
		return nil, err
	}

	var mic *Track
	if !d.NoMicrophone {
		mic, err = d.startTone(streamID)
		if err != nil {
			video.Stop()
			return nil, err
		}
	}

	return NewStream(streamID, mic, video), nil
}

// DisplayMedia opens the screen file.
func (d *FileDevices) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "screen-" + uuid.NewString()

	video, err := d.openVideo(d.ScreenPath, "screen", streamID, false)
	if err != nil {
		return nil, err
	}
	return NewStream(streamID, nil, video), nil
}

func openSource(path string) (*os.File, error) {
	if path == "" {
		return nil, ErrNoDevice
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func mimeTypeFor(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported IVF codec %q", fourCC)
}

func (d *FileDevices) openVideo(path, label, streamID string, loop bool) (*Track, error) {
	f, err := openSource(path)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	mimeType, err := mimeTypeFor(header.FourCC)
	if err != nil {
		f.Close()
		return nil, err
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		label+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create %s track: %w", label, err)
	}

	interval := frameInterval(header)
	track := NewTrack(local)
	logger := d.logger().With("source", label, "track", local.ID())
	logger.Debug("video source opened", "path", path, "codec", mimeType, "interval", interval)

	go func() {
		defer f.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-track.Done():
				return
			case <-ticker.C:
			}

			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if !loop {
					logger.Debug("video source exhausted")
					track.End()
					return
				}
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					logger.Warn("rewind failed", "err", err)
					track.End()
					return
				}
				if reader, _, err = ivfreader.NewWith(f); err != nil {
					logger.Warn("reopen failed", "err", err)
					track.End()
					return
				}
				continue
			}
			if err != nil {
				logger.Warn("frame read failed", "err", err)
				track.End()
				return
			}

			if !track.Enabled() {
				continue
			}
			if err := local.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				logger.Debug("write sample failed", "err", err)
			}
		}
	}()

	return track, nil
}

func frameInterval(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
}

func (d *FileDevices) startTone(streamID string) (*Track, error) {
	enc, err := audio.NewOpusEncoder(audio.SampleRate, audio.Channels, audio.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   audio.SampleRate,
			Channels:    audio.Channels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"mic-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create microphone track: %w", err)
	}

	hz := d.ToneHz
	if hz <= 0 {
		hz = defaultToneHz
	}
	gen := audio.NewToneGenerator(hz, toneAmplitude, audio.SampleRate, audio.Channels, audio.FrameSize)
	track := NewTrack(local)
	logger := d.logger().With("source", "microphone", "track", local.ID())

	go func() {
		ticker := time.NewTicker(opusFrameTime)
		defer ticker.Stop()

		var (
			seq uint16
			ts  uint32
		)
		for {
			select {
			case <-track.Done():
				return
			case <-ticker.C:
			}

			// Muting keeps the stream flowing with silence.
			pcm := gen.Next()
			if !track.Enabled() {
				pcm = gen.Silence()
			}
			payload, err := enc.Encode(pcm)
			if err != nil {
				logger.Warn("encode failed", "err", err)
				continue
			}

			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    opusPayloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payload,
			}
			seq++
			ts += audio.FrameSize

			if err := local.WriteRTP(packet); err != nil {
				logger.Debug("write rtp failed", "err", err)
			}
		}
	}()

	return track, nil
}
