package sfu

import "github.com/dkeye/Video/domain"

// Event type discriminants pushed by the SFU over the signaling channel.
const (
	EvParticipantJoined    = "participant_joined"
	EvParticipantLeft      = "participant_left"
	EvTrackPublished       = "track_published"
	EvTrackUnpublished     = "track_unpublished"
	EvAudioLevelsChanged   = "audio_levels_changed"
	EvDominantSpeaker      = "dominant_speaker_changed"
	EvSubscriberOffer      = "subscriber_offer"
	EvChangePublishQuality = "change_publish_quality"
	EvIceTrickle           = "ice_trickle"
	EvCallRecordingStarted = "call_recording_started"
	EvCallRecordingStopped = "call_recording_stopped"
)

type ParticipantJoined struct {
	CID         domain.CID         `json:"call_cid"`
	Participant domain.Participant `json:"participant"`
}

func (ParticipantJoined) EventType() string { return EvParticipantJoined }

type ParticipantLeft struct {
	CID         domain.CID         `json:"call_cid"`
	Participant domain.Participant `json:"participant"`
}

func (ParticipantLeft) EventType() string { return EvParticipantLeft }

type TrackPublished struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	TrackType domain.TrackType `json:"track_type"`
	// TrackID is the transport-level id of the published track, used to
	// bind incoming media to the session out of band.
	TrackID string `json:"track_id,omitempty"`
}

func (TrackPublished) EventType() string { return EvTrackPublished }

type TrackUnpublished struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	TrackType domain.TrackType `json:"track_type"`
	TrackID   string           `json:"track_id,omitempty"`
}

func (TrackUnpublished) EventType() string { return EvTrackUnpublished }

// AudioLevel reports the momentary level of one participant.
type AudioLevel struct {
	SessionID  domain.SessionID `json:"session_id"`
	Level      float64          `json:"level"`
	IsSpeaking bool             `json:"is_speaking"`
}

type AudioLevelsChanged struct {
	Levels []AudioLevel `json:"audio_levels"`
}

func (AudioLevelsChanged) EventType() string { return EvAudioLevelsChanged }

type DominantSpeakerChanged struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
}

func (DominantSpeakerChanged) EventType() string { return EvDominantSpeaker }

// SubscriberOffer carries an SFU-initiated SDP offer that the
// subscriber peer connection must answer.
type SubscriberOffer struct {
	SDP string `json:"sdp"`
}

func (SubscriberOffer) EventType() string { return EvSubscriberOffer }

// PublishQuality describes the layer activation the SFU wants for one
// published video track.
type PublishQuality struct {
	TrackType domain.TrackType `json:"track_type"`
	Layers    []LayerQuality   `json:"layers"`
}

type LayerQuality struct {
	RID    string `json:"rid"`
	Active bool   `json:"active"`
}

type ChangePublishQuality struct {
	VideoSenders []PublishQuality `json:"video_senders"`
}

func (ChangePublishQuality) EventType() string { return EvChangePublishQuality }

// IceTrickle is a remote candidate for one of the two peer roles.
// It is consumed by the trickle buffer, not dispatched to watchers.
type IceTrickle struct {
	PeerKind     PeerKind `json:"peer_kind"`
	IceCandidate string   `json:"ice_candidate"`
}

func (IceTrickle) EventType() string { return EvIceTrickle }

type CallRecordingStarted struct {
	CID domain.CID `json:"call_cid"`
}

func (CallRecordingStarted) EventType() string { return EvCallRecordingStarted }

type CallRecordingStopped struct {
	CID domain.CID `json:"call_cid"`
}

func (CallRecordingStopped) EventType() string { return EvCallRecordingStopped }
