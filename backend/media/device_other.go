//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Capturer has no device drivers on this platform: every capture fails and
// peer connections are receive-only.
type Capturer struct{}

func NewCapturer() (*Capturer, error) {
	return &Capturer{}, nil
}

func (*Capturer) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (*Capturer) Capture(context.Context, Source) (*Track, error) {
	return nil, ErrDeviceUnavailable
}

var _ Devices = (*Capturer)(nil)
