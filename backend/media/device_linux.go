//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	videoBitRate   = 1_500_000
	maxVideoWidth  = 640
	maxVideoHeight = 480
)

// Capturer captures tracks from local devices through V4L2, ALSA/Pulse and
// X11, encoding video as VP8 and audio as Opus.
type Capturer struct {
	selector *mediadevices.CodecSelector
}

func NewCapturer() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs with the media engine of a peer
// connection that is going to send these tracks.
func (c *Capturer) Populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *Capturer) Capture(ctx context.Context, src Source) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	var (
		stream mediadevices.MediaStream
		err    error
	)
	switch src {
	case SourceMicrophone:
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		stream, err = mediadevices.GetUserMedia(constraints)
	case SourceCamera:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only; MJPEG nodes of some cameras break the encoder
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: maxVideoWidth}
			c.Height = prop.IntRanged{Max: maxVideoHeight}
		}
		stream, err = mediadevices.GetUserMedia(constraints)
	case SourceScreen:
		constraints.Video = func(*mediadevices.MediaTrackConstraints) {}
		stream, err = mediadevices.GetDisplayMedia(constraints)
	default:
		return nil, fmt.Errorf("unknown media source %q", src)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCapability, src, err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %s: no track", ErrCapability, src)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	track := tracks[0]
	return NewTrack(track, src, track.Close), nil
}

var _ Devices = (*Capturer)(nil)
