//go:build govips && cgo

package pipeline

import (
	"fmt"
	"math"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/imagehandler/internal/domain"
)

// vipsEngine runs on libvips. Operations libvips exposes directly run
// natively; the rest round-trip through the pure-Go canvas losslessly.
type vipsEngine struct{}

func (vipsEngine) Name() string {
	return "libvips"
}

func (vipsEngine) Open(data []byte) (Canvas, error) {
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	if err := img.AutoRotate(); err != nil {
		img.Close()
		return nil, fmt.Errorf("auto-rotate source image: %w", err)
	}
	return &vipsCanvas{img: img}, nil
}

type vipsCanvas struct {
	img *vips.ImageRef
}

func (c *vipsCanvas) Width() int {
	return c.img.Width()
}

func (c *vipsCanvas) Height() int {
	return c.img.Height()
}

func (c *vipsCanvas) Resize(r domain.ResizeEdit) error {
	srcW, srcH := c.Width(), c.Height()
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}
	if r.Width == 0 && r.Height == 0 {
		return nil
	}

	switch {
	case r.Width == 0 || r.Height == 0:
		scale := float64(r.Width) / float64(srcW)
		if r.Width == 0 {
			scale = float64(r.Height) / float64(srcH)
		}
		return wrapVips("resize", c.img.Resize(scale, vips.KernelLanczos3))
	case r.Fit == domain.FitFill:
		return wrapVips("resize", c.img.ResizeWithVScale(
			float64(r.Width)/float64(srcW),
			float64(r.Height)/float64(srcH),
			vips.KernelLanczos3,
		))
	case r.Fit == domain.FitInside:
		return wrapVips("resize", c.img.Resize(math.Min(float64(r.Width)/float64(srcW), float64(r.Height)/float64(srcH)), vips.KernelLanczos3))
	case r.Fit == domain.FitOutside:
		return wrapVips("resize", c.img.Resize(math.Max(float64(r.Width)/float64(srcW), float64(r.Height)/float64(srcH)), vips.KernelLanczos3))
	case r.Fit == domain.FitContain:
		return c.bridge(func(s *stdCanvas) error { return s.Resize(r) })
	default:
		return wrapVips("resize", c.img.Thumbnail(r.Width, r.Height, interestingFor(r.Position)))
	}
}

func (c *vipsCanvas) Grayscale() error {
	return wrapVips("grayscale", c.img.ToColorSpace(vips.InterpretationBW))
}

func (c *vipsCanvas) Flip() error {
	return wrapVips("flip", c.img.Flip(vips.DirectionVertical))
}

func (c *vipsCanvas) Flop() error {
	return wrapVips("flop", c.img.Flip(vips.DirectionHorizontal))
}

func (c *vipsCanvas) Rotate(angle float64, background domain.Color) error {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	switch angle {
	case 0:
		return nil
	case 90:
		return wrapVips("rotate", c.img.Rotate(vips.Angle90))
	case 180:
		return wrapVips("rotate", c.img.Rotate(vips.Angle180))
	case 270:
		return wrapVips("rotate", c.img.Rotate(vips.Angle270))
	default:
		return c.bridge(func(s *stdCanvas) error { return s.Rotate(angle, background) })
	}
}

func (c *vipsCanvas) Flatten(background domain.Color) error {
	if !c.img.HasAlpha() {
		return nil
	}
	return wrapVips("flatten", c.img.Flatten(&vips.Color{R: background.R, G: background.G, B: background.B}))
}

func (c *vipsCanvas) Tint(tint domain.TintEdit) error {
	return c.bridge(func(s *stdCanvas) error { return s.Tint(tint) })
}

func (c *vipsCanvas) Normalize() error {
	return c.bridge((*stdCanvas).Normalize)
}

func (c *vipsCanvas) Threshold(level int) error {
	return c.bridge(func(s *stdCanvas) error { return s.Threshold(level) })
}

func (c *vipsCanvas) Sharpen(sigma float64) error {
	return wrapVips("sharpen", c.img.Sharpen(sigma, 1.0, 2.0))
}

func (c *vipsCanvas) Blur(sigma float64) error {
	return wrapVips("blur", c.img.GaussianBlur(sigma))
}

func (c *vipsCanvas) Extend(e domain.ExtendEdit) error {
	return c.bridge(func(s *stdCanvas) error { return s.Extend(e) })
}

func (c *vipsCanvas) DrawText(layer TextLayer) error {
	return c.bridge(func(s *stdCanvas) error { return s.DrawText(layer) })
}

func (c *vipsCanvas) Encode(opts domain.FormatOptions) ([]byte, error) {
	quality := opts.Quality
	var (
		data []byte
		err  error
	)
	switch domain.NormalizeFormat(opts.Format) {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = qualityOr(quality, defaultJPEGQuality)
		params.Interlace = opts.Progressive
		data, _, err = c.img.ExportJpeg(params)
	case domain.FormatPNG:
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		params.Interlace = opts.Progressive
		data, _, err = c.img.ExportPng(params)
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = qualityOr(quality, defaultWebPQuality)
		params.Lossless = opts.Lossless
		data, _, err = c.img.ExportWebp(params)
	case domain.FormatTIFF:
		params := vips.NewTiffExportParams()
		params.Quality = qualityOr(quality, defaultJPEGQuality)
		data, _, err = c.img.ExportTiff(params)
	case domain.FormatGIF:
		data, _, err = c.img.ExportGIF(vips.NewGifExportParams())
	case domain.FormatAVIF:
		params := vips.NewAvifExportParams()
		params.Quality = qualityOr(quality, defaultAVIFQuality)
		params.Lossless = opts.Lossless
		data, _, err = c.img.ExportAvif(params)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", opts.Format, err)
	}
	return data, nil
}

func (c *vipsCanvas) Close() {
	if c.img != nil {
		c.img.Close()
		c.img = nil
	}
}

// bridge hands the image to the pure-Go canvas through a lossless PNG and
// reloads the result into libvips.
func (c *vipsCanvas) bridge(op func(*stdCanvas) error) error {
	png, _, err := c.img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return fmt.Errorf("export for bridge: %w", err)
	}
	canvas, err := stdEngine{}.Open(png)
	if err != nil {
		return err
	}
	std := canvas.(*stdCanvas)
	if err := op(std); err != nil {
		return err
	}
	out, err := std.Encode(domain.FormatOptions{Format: domain.FormatPNG})
	if err != nil {
		return err
	}
	img, err := vips.NewImageFromBuffer(out)
	if err != nil {
		return fmt.Errorf("reload after bridge: %w", err)
	}
	c.img.Close()
	c.img = img
	return nil
}

func interestingFor(position string) vips.Interesting {
	h, v := watermarkAnchors(position)
	switch {
	case v == "hanging" || h == "start":
		return vips.InterestingLow
	case v == "baseline" || h == "end":
		return vips.InterestingHigh
	default:
		return vips.InterestingCentre
	}
}

func qualityOr(quality, fallback int) int {
	if quality > 0 && quality <= 100 {
		return quality
	}
	return fallback
}

func wrapVips(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
