package client

import (
	"errors"
	"time"

	"github.com/adwski/huddle/backend/media"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepalive           = 2 * time.Second
)

var defaultICEServers = []string{"stun:stun.l.google.com:19302"}

// SignalData is the payload of a signal event between two phones.
type SignalData struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

type LocalTracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// PeerEvents are called from pion goroutines.
type PeerEvents struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnConnected func()
	OnFailed    func()
	OnTrack     func(*webrtc.TrackRemote)
}

// Peer is one WebRTC session with the other party of a call.
type Peer interface {
	Offer() (webrtc.SessionDescription, error)
	Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// Senders return nil for a source that is only received.
	AudioSender() media.Sender
	VideoSender() media.Sender
	Close() error
}

type PeerFactory interface {
	NewPeer(local LocalTracks, ev PeerEvents) (Peer, error)
}

// CodecRegistrar fills the media engine with the codecs of the local tracks.
// *media.Capturer is one.
type CodecRegistrar interface {
	Populate(me *webrtc.MediaEngine) error
}

type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(codecs CodecRegistrar, iceServers []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := codecs.Populate(mediaEngine); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepalive)

	if len(iceServers) == 0 {
		iceServers = defaultICEServers
	}
	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

func (f *PionFactory) NewPeer(local LocalTracks, ev PeerEvents) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}

	if p.audio, err = addOrReceive(pc, local.Audio, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Join(err, pc.Close())
	}
	if p.video, err = addOrReceive(pc, local.Video, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Join(err, pc.Close())
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnCandidate == nil {
			return
		}
		ev.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if ev.OnConnected != nil {
				ev.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if ev.OnFailed != nil {
				ev.OnFailed()
			}
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.OnTrack != nil {
			ev.OnTrack(tr)
		}
	})
	return p, nil
}

// addOrReceive sends the track. Without one, audio is only received while
// video still gets a silent sender so a screen can replace it later.
func addOrReceive(pc *webrtc.PeerConnection, track webrtc.TrackLocal, kind webrtc.RTPCodecType) (*webrtc.RTPSender, error) {
	var sender *webrtc.RTPSender
	switch {
	case track != nil:
		s, err := pc.AddTrack(track)
		if err != nil {
			return nil, err
		}
		sender = s
	case kind == webrtc.RTPCodecTypeVideo:
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return nil, err
		}
		sender = tr.Sender()
	default:
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return nil, err
	}
	// interceptors only see RTCP that is read
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	audio *webrtc.RTPSender
	video *webrtc.RTPSender
}

func (p *pionPeer) Offer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, p.pc.SetLocalDescription(offer)
}

func (p *pionPeer) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, p.pc.SetLocalDescription(answer)
}

func (p *pionPeer) SetAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) AudioSender() media.Sender {
	if p.audio == nil {
		return nil
	}
	return p.audio
}

func (p *pionPeer) VideoSender() media.Sender {
	if p.video == nil {
		return nil
	}
	return p.video
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
