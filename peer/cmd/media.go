package cmd

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pion/webrtc/v4"

	"example.com/room_call/client"
	"example.com/room_call/pkg/audio"
)

const reportInterval = 2 * time.Second

// consumeRemoteTrack reads a received track until it ends. Audio is decoded
// and reported as level readings; video is only counted.
func consumeRemoteTrack(ctx context.Context, track client.RemoteTrack, logger *slog.Logger) {
	remote, ok := track.(*webrtc.TrackRemote)
	if !ok {
		return
	}
	logger = logger.With("track", remote.ID(), "codec", remote.Codec().MimeType)

	var dec *audio.OpusDecoder
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		var err error
		if dec, err = audio.NewOpusDecoder(audio.SampleRate, audio.Channels); err != nil {
			logger.Error("failed to create opus decoder", "err", err)
			return
		}
	}

	var meter levelMeter
	packets := 0
	last := time.Now()
	for ctx.Err() == nil {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			logger.Debug("remote track ended", "err", err)
			return
		}
		packets++

		if dec != nil && len(pkt.Payload) > 0 {
			pcm, err := dec.Decode(pkt.Payload)
			if err != nil {
				logger.Debug("undecodable audio packet", "seq", pkt.SequenceNumber, "err", err)
			} else {
				meter.add(audio.Level(pcm))
			}
		}

		if time.Since(last) < reportInterval {
			continue
		}
		if dec != nil {
			mean, peak, frames := meter.reset()
			logger.Info("remote audio level", "mean_dbfs", round1(mean), "peak_dbfs", round1(peak), "frames", frames)
		} else {
			logger.Info("remote video", "packets", packets)
		}
		packets = 0
		last = time.Now()
	}
}

// levelMeter accumulates per-frame levels in dBFS between reports. Silent
// frames count toward frames but not toward the mean.
type levelMeter struct {
	sum     float64
	audible int
	frames  int
	peak    float64
}

func (m *levelMeter) add(db float64) {
	if m.frames == 0 {
		m.peak = math.Inf(-1)
	}
	m.frames++
	if math.IsInf(db, -1) {
		return
	}
	m.sum += db
	m.audible++
	if db > m.peak {
		m.peak = db
	}
}

// reset returns the readings since the last reset. With no audible frames
// mean and peak are -Inf.
func (m *levelMeter) reset() (mean, peak float64, frames int) {
	mean, peak, frames = math.Inf(-1), math.Inf(-1), m.frames
	if m.audible > 0 {
		mean = m.sum / float64(m.audible)
		peak = m.peak
	}
	*m = levelMeter{}
	return mean, peak, frames
}

func round1(v float64) float64 {
	if math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*10) / 10
}
