package pipeline

import (
	"github.com/dunamismax/imagehandler/internal/domain"
)

// Engine is the image library the executor drives. The executor owns the
// order of operations; an engine only knows how to perform each one.
type Engine interface {
	Name() string
	Open(data []byte) (Canvas, error)
}

// Canvas is a decoded, mutable image owned by a single pipeline run.
type Canvas interface {
	Width() int
	Height() int

	Resize(edit domain.ResizeEdit) error
	Grayscale() error
	Flip() error
	Flop() error
	Rotate(angle float64, background domain.Color) error
	Flatten(background domain.Color) error
	Tint(tint domain.TintEdit) error
	Normalize() error
	Threshold(level int) error
	Sharpen(sigma float64) error
	Blur(sigma float64) error
	Extend(edit domain.ExtendEdit) error
	DrawText(layer TextLayer) error

	Encode(opts domain.FormatOptions) ([]byte, error)
	Close()
}

// Metadata is what a best-effort probe could learn about the source bytes.
type Metadata struct {
	Format      string
	ContentType string
	Width       int
	Height      int
}

// Output is a finished, encoded image.
type Output struct {
	Data        []byte
	Format      string
	ContentType string
	Width       int
	Height      int
}

const (
	defaultJPEGQuality = 80
	defaultWebPQuality = 80
	defaultAVIFQuality = 50
)

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
