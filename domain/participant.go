package domain

// SessionID identifies a participant for the duration of one call
// connection. It is unique per connection, stable for the call.
type SessionID string

// TrackType discriminates the kinds of media a participant can publish.
type TrackType string

const (
	TrackTypeAudio       TrackType = "audio"
	TrackTypeVideo       TrackType = "video"
	TrackTypeScreenShare TrackType = "screen_share"
)

// Participant is one attendee of a call as reported by the SFU.
//
// The device-selection fields at the bottom are only meaningful on the
// participant with IsLoggedInUser set; at most one participant in a call
// carries that flag.
type Participant struct {
	SessionID       SessionID   `json:"session_id"`
	UserID          UserID      `json:"user_id"`
	Name            string      `json:"name,omitempty"`
	PublishedTracks []TrackType `json:"published_tracks,omitempty"`

	AudioEnabled       bool    `json:"audio,omitempty"`
	VideoEnabled       bool    `json:"video,omitempty"`
	ScreenShareEnabled bool    `json:"screen_share,omitempty"`
	AudioLevel         float64 `json:"audio_level,omitempty"`

	IsDominantSpeaker bool `json:"is_dominant_speaker,omitempty"`
	IsPinned          bool `json:"is_pinned,omitempty"`
	IsLoggedInUser    bool `json:"is_logged_in_user,omitempty"`

	AudioDeviceID       string `json:"audio_device_id,omitempty"`
	VideoDeviceID       string `json:"video_device_id,omitempty"`
	AudioOutputDeviceID string `json:"audio_output_device_id,omitempty"`
}

// Publishes reports whether the participant currently publishes a track
// of the given type.
func (p *Participant) Publishes(t TrackType) bool {
	for _, pt := range p.PublishedTracks {
		if pt == t {
			return true
		}
	}
	return false
}

// ParticipantPatch is a partial update applied to one Participant.
// Nil fields are left untouched.
type ParticipantPatch struct {
	PublishedTracks *[]TrackType
	AudioEnabled    *bool
	VideoEnabled    *bool
	ScreenShare     *bool
	AudioLevel      *float64

	IsDominantSpeaker *bool
	IsPinned          *bool

	AudioDeviceID       *string
	VideoDeviceID       *string
	AudioOutputDeviceID *string
}

// Apply merges the patch into a copy of p and returns it.
func (patch ParticipantPatch) Apply(p Participant) Participant {
	if patch.PublishedTracks != nil {
		p.PublishedTracks = *patch.PublishedTracks
	}
	if patch.AudioEnabled != nil {
		p.AudioEnabled = *patch.AudioEnabled
	}
	if patch.VideoEnabled != nil {
		p.VideoEnabled = *patch.VideoEnabled
	}
	if patch.ScreenShare != nil {
		p.ScreenShareEnabled = *patch.ScreenShare
	}
	if patch.AudioLevel != nil {
		p.AudioLevel = *patch.AudioLevel
	}
	if patch.IsDominantSpeaker != nil {
		p.IsDominantSpeaker = *patch.IsDominantSpeaker
	}
	if patch.IsPinned != nil {
		p.IsPinned = *patch.IsPinned
	}
	if patch.AudioDeviceID != nil {
		p.AudioDeviceID = *patch.AudioDeviceID
	}
	if patch.VideoDeviceID != nil {
		p.VideoDeviceID = *patch.VideoDeviceID
	}
	if patch.AudioOutputDeviceID != nil {
		p.AudioOutputDeviceID = *patch.AudioOutputDeviceID
	}
	return p
}
