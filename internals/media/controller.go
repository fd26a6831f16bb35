package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/peer"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackReplacer is one outbound media connection. *peer.Session satisfies it.
type TrackReplacer interface {
	Remote() domain.PeerID
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}

// Controller owns the local tracks and substitutes them on every session.
type Controller struct {
	capturer Capturer
	logger   *zap.Logger

	mu           sync.Mutex
	audio        webrtc.TrackLocal
	camera       webrtc.TrackLocal
	screen       webrtc.TrackLocal
	audioEnabled bool
	videoEnabled bool
	acquired     bool
}

func NewController(capturer Capturer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		capturer:     capturer,
		logger:       logger,
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Acquire opens the microphone and camera together. When that fails it
// retries with the microphone alone; only the second failure is fatal.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return nil
	}

	audio, camera, err := c.captureAll(ctx)
	if err != nil {
		c.logger.Warn("Audio and video capture failed, retrying audio only", zap.Error(err))
		audio, err = c.capturer.CaptureAudio(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		camera = nil
	}

	c.audio = audio
	c.camera = camera
	c.acquired = true
	return nil
}

func (c *Controller) captureAll(ctx context.Context) (audio, camera webrtc.TrackLocal, err error) {
	audio, err = c.capturer.CaptureAudio(ctx)
	if err != nil {
		return nil, nil, err
	}
	camera, err = c.capturer.CaptureVideo(ctx)
	if err != nil {
		release(audio)
		return nil, nil, err
	}
	return audio, camera, nil
}

// Outbound is the set of tracks a new session should send.
func (c *Controller) Outbound() peer.LocalTracks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return peer.LocalTracks{
		Audio: c.currentAudioLocked(),
		Video: c.currentVideoLocked(),
	}
}

func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil
}

func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

func (c *Controller) currentAudioLocked() webrtc.TrackLocal {
	if !c.audioEnabled {
		return nil
	}
	return c.audio
}

func (c *Controller) currentVideoLocked() webrtc.TrackLocal {
	if c.screen != nil {
		return c.screen
	}
	if !c.videoEnabled {
		return nil
	}
	return c.camera
}

// StartScreenShare captures the screen and sends it in place of the camera.
func (c *Controller) StartScreenShare(ctx context.Context, targets []TrackReplacer) error {
	screen, err := c.capturer.CaptureScreen(ctx)
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}

	c.mu.Lock()
	previous := c.screen
	c.screen = screen
	c.mu.Unlock()
	release(previous)

	return ReplaceOnAll(targets, webrtc.RTPCodecTypeVideo, screen)
}

// StopScreenShare restores the camera on every session.
func (c *Controller) StopScreenShare(targets []TrackReplacer) error {
	c.mu.Lock()
	screen := c.screen
	c.screen = nil
	video := c.currentVideoLocked()
	c.mu.Unlock()

	if screen == nil {
		return ErrNotSharing
	}
	release(screen)
	return ReplaceOnAll(targets, webrtc.RTPCodecTypeVideo, video)
}

// SwitchCamera opens a new camera track. While sharing, the new camera is
// only kept for when the share stops.
func (c *Controller) SwitchCamera(ctx context.Context, targets []TrackReplacer) error {
	camera, err := c.capturer.CaptureVideo(ctx)
	if err != nil {
		return fmt.Errorf("capture camera: %w", err)
	}

	c.mu.Lock()
	previous := c.camera
	c.camera = camera
	visible := c.screen == nil && c.videoEnabled
	c.mu.Unlock()

	err = nil
	if visible {
		err = ReplaceOnAll(targets, webrtc.RTPCodecTypeVideo, camera)
	}
	release(previous)
	return err
}

// SetAudioEnabled mutes by sending no audio while keeping the sender slot.
func (c *Controller) SetAudioEnabled(enabled bool, targets []TrackReplacer) error {
	c.mu.Lock()
	c.audioEnabled = enabled
	track := c.currentAudioLocked()
	c.mu.Unlock()

	return ReplaceOnAll(targets, webrtc.RTPCodecTypeAudio, track)
}

func (c *Controller) SetVideoEnabled(enabled bool, targets []TrackReplacer) error {
	c.mu.Lock()
	c.videoEnabled = enabled
	sharing := c.screen != nil
	track := c.currentVideoLocked()
	c.mu.Unlock()

	if sharing {
		return nil
	}
	return ReplaceOnAll(targets, webrtc.RTPCodecTypeVideo, track)
}

func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// Release stops every local track. The controller can be acquired again.
func (c *Controller) Release() {
	c.mu.Lock()
	tracks := []webrtc.TrackLocal{c.audio, c.camera, c.screen}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.acquired = false
	c.mu.Unlock()

	for _, t := range tracks {
		release(t)
	}
}

func release(t webrtc.TrackLocal) {
	if r, ok := t.(Releaser); ok {
		r.Release()
	}
}

// ReplaceOnAll substitutes track on every target independently. Failures do
// not stop the others and are not rolled back.
func ReplaceOnAll(targets []TrackReplacer, kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	var errs []error
	for _, t := range targets {
		if err := t.ReplaceTrack(kind, track); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", t.Remote(), err))
		}
	}
	return errors.Join(errs...)
}
