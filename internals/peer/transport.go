package peer

import (
	"errors"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var (
	ErrSessionClosed = errors.New("peer session closed")
	ErrNoSender      = errors.New("no sender for track kind")
)

type MediaType string

const (
	MediaTypeVideo  MediaType = "video"
	MediaTypeAudio  MediaType = "audio"
	MediaTypeScreen MediaType = "screen"
)

// LocalTracks are the outbound tracks attached to every new session. A nil
// track still reserves a sender slot of that kind so it can be filled later
// without renegotiation.
type LocalTracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// RemoteTrack is the inbound side of a media track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type TrackInfo struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	MediaType MediaType `json:"mediaType"`
	StreamID  string    `json:"streamId"`
}

func InfoOf(track RemoteTrack) TrackInfo {
	mediaType := MediaTypeAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		mediaType = MediaTypeVideo
		if track.StreamID() == "screen" {
			mediaType = MediaTypeScreen
		}
	}
	return TrackInfo{
		ID:        track.ID(),
		Kind:      track.Kind().String(),
		MediaType: mediaType,
		StreamID:  track.StreamID(),
	}
}

// Transport is the media connection to one remote peer. CreateOffer and
// CreateAnswer also apply the result as the local description.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnRemoteTrack(fn func(RemoteTrack))

	Close() error
}

type TransportFactory interface {
	NewTransport(remote domain.PeerID, iceServers []config.ICEServer, tracks LocalTracks) (Transport, error)
}
