package rtc

import "github.com/dkeye/Video/domain"

// Reference encoder steps, descending. Taken from libwebrtc's simulcast
// defaults: width, height, max bitrate.
var simulcastSteps = [][3]int{
	{1920, 1080, 3_000_000},
	{1280, 720, 1_250_000},
	{960, 540, 850_000},
	{640, 480, 500_000},
	{320, 240, 250_000},
	{160, 120, 125_000},
}

var layerFramerates = map[string]int{"f": 30, "h": 25, "q": 20}

const (
	screenShareBitrate   = 3_000_000
	screenShareFramerate = 30
)

// FindOptimalVideoLayers derives the simulcast layers for a camera track
// with the given source resolution. An exact match against the reference
// steps yields three layers (f, h, q) with bitrate and dimensions halved
// at each step. No match yields no layers; callers must treat that as a
// degraded-quality case, not an error.
func FindOptimalVideoLayers(width, height int) []domain.VideoLayer {
	var layers []domain.VideoLayer
	for _, step := range simulcastSteps {
		w, h, maxBitrate := step[0], step[1], step[2]
		if w != width || h != height {
			continue
		}
		scale := 1
		for _, rid := range []string{"f", "h", "q"} {
			layers = append(layers, domain.VideoLayer{
				RID:                   rid,
				Width:                 w / scale,
				Height:                h / scale,
				MaxBitrate:            maxBitrate / scale,
				MaxFramerate:          layerFramerates[rid],
				ScaleResolutionDownBy: float64(scale),
				Active:                true,
			})
			scale *= 2
		}
		break
	}
	return layers
}

// FindScreenShareLayers returns the single full-resolution layer used
// for screen-share tracks. Screen content is never simulcast.
func FindScreenShareLayers(width, height int) []domain.VideoLayer {
	return []domain.VideoLayer{{
		RID:                   "f",
		Width:                 width,
		Height:                height,
		MaxBitrate:            screenShareBitrate,
		MaxFramerate:          screenShareFramerate,
		ScaleResolutionDownBy: 1,
		Active:                true,
	}}
}
