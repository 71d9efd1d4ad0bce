package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"sync"

	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/imagehandler/internal/domain"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

var errNeedsLibvips = errors.New("encoding requires the libvips engine (build with -tags govips)")

// stdEngine is the pure-Go engine. It decodes jpeg, png, gif, tiff and webp
// and encodes everything except webp and avif.
type stdEngine struct{}

func (stdEngine) Name() string {
	return "std"
}

func (stdEngine) Open(data []byte) (Canvas, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	return &stdCanvas{img: imaging.Clone(img)}, nil
}

type stdCanvas struct {
	img *image.NRGBA
}

func (c *stdCanvas) Width() int {
	return c.img.Bounds().Dx()
}

func (c *stdCanvas) Height() int {
	return c.img.Bounds().Dy()
}

func (c *stdCanvas) Resize(r domain.ResizeEdit) error {
	srcW, srcH := c.Width(), c.Height()
	if srcW == 0 || srcH == 0 {
		return errors.New("source image has invalid dimensions")
	}
	if r.Width == 0 && r.Height == 0 {
		return nil
	}

	// A single dimension always keeps the aspect ratio.
	if r.Width == 0 || r.Height == 0 {
		c.img = imaging.Resize(c.img, r.Width, r.Height, imaging.Lanczos)
		return nil
	}

	switch r.Fit {
	case domain.FitFill:
		c.img = imaging.Resize(c.img, r.Width, r.Height, imaging.Lanczos)
	case domain.FitInside:
		w, h := scaledSize(srcW, srcH, r.Width, r.Height, math.Min)
		c.img = imaging.Resize(c.img, w, h, imaging.Lanczos)
	case domain.FitOutside:
		w, h := scaledSize(srcW, srcH, r.Width, r.Height, math.Max)
		c.img = imaging.Resize(c.img, w, h, imaging.Lanczos)
	case domain.FitContain:
		w, h := scaledSize(srcW, srcH, r.Width, r.Height, math.Min)
		fitted := imaging.Resize(c.img, w, h, imaging.Lanczos)
		bg := domain.TransparentBlack
		if r.Background != nil {
			bg = *r.Background
		}
		canvas := imaging.New(r.Width, r.Height, toNRGBA(bg))
		pt := anchorPoint(r.Position, r.Width, r.Height, w, h)
		c.img = imaging.Paste(canvas, fitted, pt)
	default:
		c.img = imaging.Fill(c.img, r.Width, r.Height, anchorFor(r.Position), imaging.Lanczos)
	}
	return nil
}

func (c *stdCanvas) Grayscale() error {
	c.img = imaging.Grayscale(c.img)
	return nil
}

// Flip mirrors vertically and Flop horizontally.
func (c *stdCanvas) Flip() error {
	c.img = imaging.FlipV(c.img)
	return nil
}

func (c *stdCanvas) Flop() error {
	c.img = imaging.FlipH(c.img)
	return nil
}

// Rotate turns clockwise; imaging rotates counter-clockwise.
func (c *stdCanvas) Rotate(angle float64, background domain.Color) error {
	angle = math.Mod(angle, 360)
	if angle == 0 {
		return nil
	}
	c.img = imaging.Rotate(c.img, -angle, toNRGBA(background))
	return nil
}

func (c *stdCanvas) Flatten(background domain.Color) error {
	bg := toNRGBA(background)
	bg.A = 255
	out := imaging.New(c.Width(), c.Height(), bg)
	draw.Draw(out, out.Bounds(), c.img, c.img.Bounds().Min, draw.Over)
	c.img = out
	return nil
}

func (c *stdCanvas) Tint(tint domain.TintEdit) error {
	c.img = imaging.AdjustFunc(c.img, func(px color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: uint8(uint16(px.R) * uint16(tint.R) / 255),
			G: uint8(uint16(px.G) * uint16(tint.G) / 255),
			B: uint8(uint16(px.B) * uint16(tint.B) / 255),
			A: px.A,
		}
	})
	return nil
}

// Normalize stretches luminance so the darkest pixel maps to 0 and the
// brightest to 255.
func (c *stdCanvas) Normalize() error {
	lo, hi := uint8(255), uint8(0)
	pix := c.img.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		for _, v := range pix[i : i+3] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if hi <= lo {
		return nil
	}
	scale := 255 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		return uint8(math.Round(float64(v-lo) * scale))
	}
	c.img = imaging.AdjustFunc(c.img, func(px color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(px.R), G: stretch(px.G), B: stretch(px.B), A: px.A}
	})
	return nil
}

func (c *stdCanvas) Threshold(level int) error {
	gray := segment.Threshold(c.img, uint8(clamp(level, 0, 255)))
	c.img = imaging.Clone(gray)
	return nil
}

func (c *stdCanvas) Sharpen(sigma float64) error {
	c.img = imaging.Sharpen(c.img, sigma)
	return nil
}

func (c *stdCanvas) Blur(sigma float64) error {
	c.img = imaging.Blur(c.img, sigma)
	return nil
}

func (c *stdCanvas) Extend(e domain.ExtendEdit) error {
	w := c.Width() + e.Left + e.Right
	h := c.Height() + e.Top + e.Bottom
	canvas := imaging.New(w, h, toNRGBA(e.Background))
	c.img = imaging.Paste(canvas, c.img, image.Pt(e.Left, e.Top))
	return nil
}

func (c *stdCanvas) DrawText(layer TextLayer) error {
	face, err := watermarkFace(layer.FontSize)
	if err != nil {
		return err
	}
	defer face.Close()

	overlay := image.NewNRGBA(image.Rect(0, 0, max(1, layer.Width), max(1, layer.Height)))
	ink := toNRGBA(layer.Color)
	drawer := &font.Drawer{
		Dst:  overlay,
		Src:  image.NewUniform(ink),
		Face: face,
	}

	textWidth := float64(drawer.MeasureString(layer.Text).Ceil())
	metrics := face.Metrics()
	ascent := float64(metrics.Ascent.Ceil())
	descent := float64(metrics.Descent.Ceil())

	x := layer.X
	switch layer.HAnchor {
	case "middle":
		x -= textWidth / 2
	case "end":
		x -= textWidth
	}
	baseline := layer.Y
	switch layer.VAnchor {
	case "hanging":
		baseline += ascent
	case "middle":
		baseline += (ascent - descent) / 2
	}

	drawer.Dot = fixed.P(int(math.Round(x)), int(math.Round(baseline)))
	drawer.DrawString(layer.Text)

	c.img = imaging.Overlay(c.img, overlay, image.Pt(0, 0), 1.0)
	return nil
}

func (c *stdCanvas) Encode(opts domain.FormatOptions) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch domain.NormalizeFormat(opts.Format) {
	case domain.FormatJPEG:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = defaultJPEGQuality
		}
		err = imaging.Encode(&buf, c.img, imaging.JPEG, imaging.JPEGQuality(quality))
	case domain.FormatPNG:
		err = imaging.Encode(&buf, c.img, imaging.PNG)
	case domain.FormatGIF:
		err = imaging.Encode(&buf, c.img, imaging.GIF)
	case domain.FormatTIFF:
		err = imaging.Encode(&buf, c.img, imaging.TIFF)
	case domain.FormatWebP, domain.FormatAVIF:
		return nil, fmt.Errorf("%s: %w", opts.Format, errNeedsLibvips)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", opts.Format, err)
	}
	return buf.Bytes(), nil
}

func (c *stdCanvas) Close() {}

var (
	fontOnce sync.Once
	fontErr  error
	goFont   *opentype.Font
)

func watermarkFace(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		goFont, fontErr = opentype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("parse watermark font: %w", fontErr)
	}
	face, err := opentype.NewFace(goFont, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("build watermark face: %w", err)
	}
	return face, nil
}

func toNRGBA(c domain.Color) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(math.Round(c.Alpha * 255))}
}

// scaledSize scales src uniformly so that pick(ratioW, ratioH) lands on the
// target box.
func scaledSize(srcW, srcH, w, h int, pick func(a, b float64) float64) (int, int) {
	ratio := pick(float64(w)/float64(srcW), float64(h)/float64(srcH))
	return max(1, int(math.Round(float64(srcW)*ratio))), max(1, int(math.Round(float64(srcH)*ratio)))
}

func anchorFor(position string) imaging.Anchor {
	h, v := watermarkAnchors(position)
	switch {
	case v == "hanging" && h == "start":
		return imaging.TopLeft
	case v == "hanging" && h == "end":
		return imaging.TopRight
	case v == "hanging":
		return imaging.Top
	case v == "baseline" && h == "start":
		return imaging.BottomLeft
	case v == "baseline" && h == "end":
		return imaging.BottomRight
	case v == "baseline":
		return imaging.Bottom
	case h == "start":
		return imaging.Left
	case h == "end":
		return imaging.Right
	default:
		return imaging.Center
	}
}

func anchorPoint(position string, boxW, boxH, w, h int) image.Point {
	hAnchor, vAnchor := watermarkAnchors(strings.ToLower(position))
	x, y := (boxW-w)/2, (boxH-h)/2
	switch hAnchor {
	case "start":
		x = 0
	case "end":
		x = boxW - w
	}
	switch vAnchor {
	case "hanging":
		y = 0
	case "baseline":
		y = boxH - h
	}
	return image.Pt(x, y)
}
