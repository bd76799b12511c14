package domain

// VideoLayer is one simulcast encoding of a published track.
type VideoLayer struct {
	RID                   string  `json:"rid"`
	MaxBitrate            int     `json:"bitrate"`
	MaxFramerate          int     `json:"fps"`
	Width                 int     `json:"width"`
	Height                int     `json:"height"`
	ScaleResolutionDownBy float64 `json:"scale_resolution_down_by"`
	Active                bool    `json:"active"`
}

// TrackInfo describes a published track and its simulcast layers as
// announced to the SFU during publisher negotiation.
type TrackInfo struct {
	TrackID   string       `json:"track_id"`
	TrackType TrackType    `json:"track_type"`
	MID       string       `json:"mid,omitempty"`
	Layers    []VideoLayer `json:"layers,omitempty"`
}
