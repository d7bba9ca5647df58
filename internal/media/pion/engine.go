// Package pion implements the media ports on pion/webrtc. Descriptors are
// JSON-encoded session descriptions produced after full ICE gathering, so a
// single document exchange per direction is enough (no trickle).
package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"callbridge/internal/call"
	"callbridge/internal/media"
)

const trackStreamID = "callbridge"

// Engine builds pion peer connections with a shared ICE configuration.
type Engine struct {
	config webrtc.Configuration
}

// NewEngine configures the engine with STUN/TURN URLs. An empty list works on
// directly reachable networks.
func NewEngine(iceURLs []string) *Engine {
	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &Engine{config: cfg}
}

func (e *Engine) AcquireLocalMedia(ctx context.Context, kind call.MediaKind) (media.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", trackStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrAcquisitionDenied, err)
	}

	s := &localStream{audio: audio}
	s.audioOn.Store(true)

	if kind == call.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", trackStreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrAcquisitionDenied, err)
		}
		s.video = video
		s.videoOn.Store(true)
	}
	return s, nil
}

func (e *Engine) NewPeerConnection(local media.LocalStream, cb media.Callbacks) (media.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, err
	}

	if ls, ok := local.(*localStream); ok && ls != nil {
		for _, track := range ls.tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.RemoteMedia != nil {
			cb.RemoteMedia(remoteStream{track: track})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && cb.Failure != nil {
			cb.Failure(errors.New("peer connection failed"))
		}
	})

	return &peerConn{pc: pc}, nil
}

type peerConn struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (p *peerConn) CreateLocalDescriptor(ctx context.Context) (call.Descriptor, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if p.pc.RemoteDescription() == nil {
		desc, err = p.pc.CreateOffer(nil)
	} else {
		desc, err = p.pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, err
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description after gathering")
	}
	return json.Marshal(local)
}

func (p *peerConn) ApplyRemoteDescriptor(d call.Descriptor) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(d, &desc); err != nil {
		return fmt.Errorf("decode descriptor: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConn) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.pc.Close() })
	return p.closeErr
}

// localStream holds the capture tracks of one call. Enabled flags gate the
// sample writers; a disabled track stays negotiated but silent.
type localStream struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool
	stopped atomic.Bool
}

func (s *localStream) ToggleAudio() bool {
	if s.stopped.Load() || s.audio == nil {
		return false
	}
	enabled := !s.audioOn.Load()
	s.audioOn.Store(enabled)
	return enabled
}

func (s *localStream) ToggleVideo() bool {
	if s.stopped.Load() || s.video == nil {
		return false
	}
	enabled := !s.videoOn.Load()
	s.videoOn.Store(enabled)
	return enabled
}

func (s *localStream) Stop() {
	s.stopped.Store(true)
	s.audioOn.Store(false)
	s.videoOn.Store(false)
}

// AudioEnabled reports whether audio samples should be written.
func (s *localStream) AudioEnabled() bool { return s.audioOn.Load() }

// VideoEnabled reports whether video samples should be written.
func (s *localStream) VideoEnabled() bool { return s.videoOn.Load() }

func (s *localStream) tracks() []*webrtc.TrackLocalStaticSample {
	out := []*webrtc.TrackLocalStaticSample{s.audio}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

type remoteStream struct {
	track *webrtc.TrackRemote
}

func (r remoteStream) ID() string   { return r.track.ID() }
func (r remoteStream) Kind() string { return r.track.Kind().String() }
