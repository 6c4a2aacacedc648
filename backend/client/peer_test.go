package client

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

type defaultCodecs struct{}

func (defaultCodecs) Populate(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }

func TestPionPeer_VideoSenderWithoutCamera(t *testing.T) {
	f, err := NewPionFactory(defaultCodecs{}, nil)
	if err != nil {
		t.Fatalf("NewPionFactory() error = %v", err)
	}
	peer, err := f.NewPeer(LocalTracks{}, PeerEvents{})
	if err != nil {
		t.Fatalf("NewPeer() error = %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	if peer.AudioSender() != nil {
		t.Error("audio without a microphone should only be received")
	}
	video := peer.VideoSender()
	if video == nil {
		t.Fatal("video sender should exist without a camera")
	}

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "local")
	if err != nil {
		t.Fatal(err)
	}
	if err = video.ReplaceTrack(screen); err != nil {
		t.Errorf("ReplaceTrack() error = %v", err)
	}
}
