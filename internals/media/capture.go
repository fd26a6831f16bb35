package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrNotSharing       = errors.New("not sharing the screen")

	errDeviceBusy = errors.New("device busy")
)

// Capturer opens local devices. Each call returns a fresh track.
type Capturer interface {
	CaptureAudio(ctx context.Context) (webrtc.TrackLocal, error)
	CaptureVideo(ctx context.Context) (webrtc.TrackLocal, error)
	CaptureScreen(ctx context.Context) (webrtc.TrackLocal, error)
}

// Releaser is implemented by tracks holding a device or a background writer.
type Releaser interface {
	Release()
}

const (
	StreamIDCamera = "meshcall"
	StreamIDScreen = "screen"
)

// opusSilence is a single 20ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticTrack is a sample track fed by a background writer instead of a
// device.
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticSample
	stop context.CancelFunc
}

func (t *SyntheticTrack) Release() {
	if t.stop != nil {
		t.stop()
	}
}

// StaticCapturer produces synthetic tracks for headless peers. Audio tracks
// carry Opus silence when Pump is set; video tracks carry no frames.
type StaticCapturer struct {
	Pump bool

	// Fail* make the corresponding capture fail, simulating missing devices.
	FailAudio  error
	FailVideo  error
	FailScreen error
	// AudioFailures makes the first n audio captures fail as if the
	// microphone were busy.
	AudioFailures int

	Logger *zap.Logger

	mu         sync.Mutex
	audioCalls int
}

var _ Capturer = (*StaticCapturer)(nil)

func (c *StaticCapturer) CaptureAudio(ctx context.Context) (webrtc.TrackLocal, error) {
	if err := c.check(ctx, c.FailAudio); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.audioCalls++
	busy := c.audioCalls <= c.AudioFailures
	c.mu.Unlock()
	if busy {
		return nil, errDeviceBusy
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", StreamIDCamera)
	if err != nil {
		return nil, err
	}
	t := &SyntheticTrack{TrackLocalStaticSample: track}
	if c.Pump {
		pumpCtx, cancel := context.WithCancel(context.Background())
		t.stop = cancel
		go c.pumpSilence(pumpCtx, track)
	}
	return t, nil
}

func (c *StaticCapturer) CaptureVideo(ctx context.Context) (webrtc.TrackLocal, error) {
	if err := c.check(ctx, c.FailVideo); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", StreamIDCamera)
	if err != nil {
		return nil, err
	}
	return &SyntheticTrack{TrackLocalStaticSample: track}, nil
}

func (c *StaticCapturer) CaptureScreen(ctx context.Context) (webrtc.TrackLocal, error) {
	if err := c.check(ctx, c.FailScreen); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", StreamIDScreen)
	if err != nil {
		return nil, err
	}
	return &SyntheticTrack{TrackLocalStaticSample: track}, nil
}

func (c *StaticCapturer) check(ctx context.Context, fail error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fail
}

func (c *StaticCapturer) pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) && c.Logger != nil {
				c.Logger.Debug("Failed to write silence", zap.Error(err))
			}
		}
	}
}
