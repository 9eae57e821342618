// Package media wraps the external transcoder and prober. Every operation is
// a pure function over (inputs, parameters) that yields an output path, runs
// under a watchdog and fails with a typed error.
package media

// Metadata describes a media source, populated either by ffprobe or by the
// remote fetcher.
type Metadata struct {
	Title         string  `json:"title,omitempty"`
	DurationMS    int64   `json:"duration_ms"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	FPS           float64 `json:"fps,omitempty"`
	FileSizeBytes int64   `json:"file_size_bytes,omitempty"`
	ViewCount     int64   `json:"view_count,omitempty"`
	Uploader      string  `json:"uploader,omitempty"`
	ThumbnailURL  string  `json:"thumbnail_url,omitempty"`
	SourceURL     string  `json:"source_url,omitempty"`
}

// WatermarkPosition is one of the four corners.
type WatermarkPosition string

const (
	PositionTopLeft     WatermarkPosition = "tl"
	PositionTopRight    WatermarkPosition = "tr"
	PositionBottomLeft  WatermarkPosition = "bl"
	PositionBottomRight WatermarkPosition = "br"
)

// WatermarkSize selects the logo footprint.
type WatermarkSize string

const (
	SizeSmall  WatermarkSize = "small"
	SizeMedium WatermarkSize = "medium"
	SizeLarge  WatermarkSize = "large"
)

// WatermarkSpec describes a logo overlay.
type WatermarkSpec struct {
	LogoBytes []byte            `json:"-"`
	Position  WatermarkPosition `json:"position"`
	Size      WatermarkSize     `json:"size"`
	Opacity   int               `json:"opacity"` // 0..100
}

func (s WatermarkSpec) pixelWidth() int {
	switch s.Size {
	case SizeSmall:
		return 120
	case SizeLarge:
		return 360
	default:
		return 240
	}
}

func (s WatermarkSpec) overlayExpr() string {
	const margin = "16"
	switch s.Position {
	case PositionTopLeft:
		return margin + ":" + margin
	case PositionTopRight:
		return "main_w-overlay_w-" + margin + ":" + margin
	case PositionBottomLeft:
		return margin + ":main_h-overlay_h-" + margin
	default:
		return "main_w-overlay_w-" + margin + ":main_h-overlay_h-" + margin
	}
}
