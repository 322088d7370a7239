package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied is returned when the source exists but may not be
	// opened.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrNoDevice is returned when no source is configured or it cannot be
	// found.
	ErrNoDevice = errors.New("capture: no device")
)

// Devices acquires local media. UserMedia returns camera video plus
// microphone audio; DisplayMedia returns a screen video stream.
type Devices interface {
	UserMedia(ctx context.Context) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// Track is a local media source feeding a pion TrackLocal.
//
// Disabling a track mutes it at the source: video frames are dropped and
// audio is replaced by silence. The negotiated transport is unaffected.
type Track struct {
	local webrtc.TrackLocal

	enabled atomic.Bool

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	ended   bool
	onEnded func()
}

// NewTrack wraps local as an enabled, running track.
func NewTrack(local webrtc.TrackLocal) *Track {
	t := &Track{
		local: local,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }

// Done is closed once the track has been stopped or its source ran out.
func (t *Track) Done() <-chan struct{} {
	return t.done
}

// Stop releases the source. It does not fire the OnEnded callback, which is
// reserved for sources that end on their own.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// OnEnded registers fn to run when the source ends on its own. If it has
// already ended, fn runs immediately on a new goroutine.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	ended := t.ended
	t.onEnded = fn
	t.mu.Unlock()

	if ended && fn != nil {
		go fn()
	}
}

// End marks the source as finished, as when a user stops a share from
// outside the application. It stops the track and runs the OnEnded
// callback on the calling goroutine.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()

	t.Stop()
	if fn != nil {
		fn()
	}
}

// Stream groups the tracks returned by one acquisition.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

// NewStream builds a stream from already running tracks. Either may be nil.
func NewStream(id string, audio, video *Track) *Stream {
	return &Stream{ID: id, Audio: audio, Video: video}
}

// Tracks returns the non-nil tracks, audio first.
func (s *Stream) Tracks() []*Track {
	var tracks []*Track
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
