// Package media manages the local microphone, camera and screen tracks of a
// client and swaps them on the active peer connection.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCapability        = errors.New("media capability denied")
	ErrDeviceUnavailable = errors.New("media devices are not available on this platform")
	ErrNoPeerConnection  = errors.New("no active peer connection")
	ErrNoVideoSender     = errors.New("peer connection has no outgoing video")
)

// Devices captures a local track from a source.
type Devices interface {
	Capture(ctx context.Context, src Source) (*Track, error)
}

// Sender is the outgoing side of a transceiver. *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type State struct {
	MicrophoneEnabled bool `json:"microphoneEnabled"`
	CameraEnabled     bool `json:"cameraEnabled"`
	ScreenSharing     bool `json:"screenSharing"`
	Attached          bool `json:"attached"`
}

// Controller owns the local tracks. The enabled flags are user preferences:
// they survive track substitution and apply to whatever track is active.
type Controller struct {
	mu      sync.Mutex
	devices Devices
	logger  zerolog.Logger

	microphone *Track
	camera     *Track
	screen     *Track

	micEnabled   bool
	videoEnabled bool

	attached    bool
	audioSender Sender
	videoSender Sender
}

func NewController(devices Devices, logger *zerolog.Logger) *Controller {
	return &Controller{
		devices:      devices,
		logger:       logger.With().Str("component", "media").Logger(),
		micEnabled:   true,
		videoEnabled: true,
	}
}

// Open acquires the microphone and the camera. A source that cannot be
// captured is reported but does not prevent the other from being used.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.microphone == nil {
		t, err := c.capture(ctx, SourceMicrophone)
		if err != nil {
			errs = append(errs, err)
		} else {
			t.SetEnabled(c.micEnabled)
			c.microphone = t
		}
	}
	if c.camera == nil && c.screen == nil {
		t, err := c.capture(ctx, SourceCamera)
		if err != nil {
			errs = append(errs, err)
		} else {
			t.SetEnabled(c.videoEnabled)
			c.camera = t
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) capture(ctx context.Context, src Source) (*Track, error) {
	t, err := c.devices.Capture(ctx, src)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", string(src)).Msg("capture failed")
		if errors.Is(err, ErrCapability) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCapability, src, err)
	}
	c.logger.Debug().Str("source", string(src)).Msg("track captured")
	return t, nil
}

// ToggleMicrophone flips the microphone and returns the new state.
func (c *Controller) ToggleMicrophone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micEnabled = !c.micEnabled
	if c.microphone != nil {
		c.microphone.SetEnabled(c.micEnabled)
	}
	return c.micEnabled
}

// ToggleCamera flips the outgoing video, camera or screen, and returns the
// new state.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoEnabled = !c.videoEnabled
	if v := c.video(); v != nil {
		v.SetEnabled(c.videoEnabled)
	}
	return c.videoEnabled
}

func (c *Controller) video() *Track {
	if c.screen != nil {
		return c.screen
	}
	return c.camera
}

// AudioTrack and VideoTrack return the tracks to add to a new peer connection.
func (c *Controller) AudioTrack() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.microphone
}

func (c *Controller) VideoTrack() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video()
}

// Attach marks the senders of the active peer connection. Either may be nil
// when the source was not captured.
func (c *Controller) Attach(audio, video Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = true
	c.audioSender, c.videoSender = audio, video
}

func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = false
	c.audioSender, c.videoSender = nil, nil
}

func (c *Controller) canReplaceVideo() error {
	if !c.attached {
		return ErrNoPeerConnection
	}
	if c.videoSender == nil {
		return ErrNoVideoSender
	}
	return nil
}

// StartScreenShare replaces the outgoing video with the screen. The camera is
// released only once the replacement succeeded. The capture runs unlocked:
// the screen picker may take as long as the user needs.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	err, sharing := c.canReplaceVideo(), c.screen != nil
	c.mu.Unlock()
	if err != nil || sharing {
		return err
	}

	screen, err := c.capture(ctx, SourceScreen)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.canReplaceVideo(); err != nil || c.screen != nil {
		c.release(screen)
		return err
	}
	screen.SetEnabled(c.videoEnabled)
	if err = c.videoSender.ReplaceTrack(screen); err != nil {
		c.release(screen)
		return fmt.Errorf("replace video track: %w", err)
	}
	c.screen = screen
	if c.camera != nil {
		c.release(c.camera)
		c.camera = nil
	}
	c.logger.Debug().Msg("screen share started")
	return nil
}

// StopScreenShare re-acquires the camera and puts it back. On failure the
// screen keeps being sent.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	sharing := c.screen != nil
	var err error
	if sharing {
		err = c.canReplaceVideo()
	}
	c.mu.Unlock()
	if err != nil || !sharing {
		return err
	}

	camera, err := c.capture(ctx, SourceCamera)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.canReplaceVideo(); err != nil || c.screen == nil {
		c.release(camera)
		return err
	}
	camera.SetEnabled(c.videoEnabled)
	if err = c.videoSender.ReplaceTrack(camera); err != nil {
		c.release(camera)
		return fmt.Errorf("replace video track: %w", err)
	}
	c.release(c.screen)
	c.screen = nil
	c.camera = camera
	c.logger.Debug().Msg("screen share stopped")
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		MicrophoneEnabled: c.micEnabled,
		CameraEnabled:     c.videoEnabled,
		ScreenSharing:     c.screen != nil,
		Attached:          c.attached,
	}
}

// Close releases every captured track.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, t := range []*Track{c.microphone, c.camera, c.screen} {
		if t != nil {
			errs = append(errs, t.Close())
		}
	}
	c.microphone, c.camera, c.screen = nil, nil, nil
	c.attached = false
	c.audioSender, c.videoSender = nil, nil
	return errors.Join(errs...)
}

func (c *Controller) release(t *Track) {
	if err := t.Close(); err != nil {
		c.logger.Warn().Err(err).Str("source", string(t.Source())).Msg("failed to release track")
	}
}
