package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// Track is a local track that can be muted without renegotiation. While it
// is disabled RTP packets are dropped on the way to every bound peer
// connection, so the remote side just sees the stream go quiet.
type Track struct {
	webrtc.TrackLocal
	source  Source
	enabled atomic.Bool
	closer  func() error

	mu    sync.Mutex
	bound map[string]*gatedContext
}

// NewTrack wraps local. closer releases the underlying device and may be nil.
func NewTrack(local webrtc.TrackLocal, source Source, closer func() error) *Track {
	t := &Track{
		TrackLocal: local,
		source:     source,
		closer:     closer,
		bound:      make(map[string]*gatedContext),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) Source() Source { return t.source }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	g := &gatedContext{
		TrackLocalContext: ctx,
		writer:            &gatedWriter{TrackLocalWriter: ctx.WriteStream(), enabled: &t.enabled},
	}
	t.mu.Lock()
	t.bound[ctx.ID()] = g
	t.mu.Unlock()

	params, err := t.TrackLocal.Bind(g)
	if err != nil {
		t.mu.Lock()
		delete(t.bound, ctx.ID())
		t.mu.Unlock()
	}
	return params, err
}

// Unbind hands the wrapped context back to the inner track, which may have
// keyed its binding on it.
func (t *Track) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	g, ok := t.bound[ctx.ID()]
	delete(t.bound, ctx.ID())
	t.mu.Unlock()
	if !ok {
		return t.TrackLocal.Unbind(ctx)
	}
	return t.TrackLocal.Unbind(g)
}

func (t *Track) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

type gatedContext struct {
	webrtc.TrackLocalContext
	writer *gatedWriter
}

func (g *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return g.writer
}

type gatedWriter struct {
	webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.TrackLocalWriter.Write(b)
}
