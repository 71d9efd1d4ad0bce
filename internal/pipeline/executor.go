package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
)

const (
	defaultWatermarkOpacity = 0.5
	defaultWatermarkPadding = 5
	defaultWatermarkColor   = "#FFFFFF"
)

type Executor struct {
	engine Engine
}

// NewExecutor builds an executor on the engine selected at build time.
func NewExecutor() (*Executor, error) {
	engine, err := newEngine()
	if err != nil {
		return nil, fmt.Errorf("build image engine: %w", err)
	}
	return &Executor{engine: engine}, nil
}

func NewExecutorWithEngine(engine Engine) *Executor {
	return &Executor{engine: engine}
}

func (x *Executor) EngineName() string {
	return x.engine.Name()
}

func (x *Executor) Probe(data []byte) (Metadata, error) {
	meta, err := Probe(data)
	if err != nil {
		return Metadata{}, imgerr.ImageProcessingError("Unable to read the image metadata.", err)
	}
	return meta, nil
}

// Run applies the edits and encodes the result.
func (x *Executor) Run(ctx context.Context, src []byte, edits domain.Edits, sourceFormat, targetFormat string) (Output, error) {
	canvas, err := x.Apply(ctx, src, edits)
	if err != nil {
		return Output{}, err
	}
	defer canvas.Close()
	return x.Format(canvas, sourceFormat, targetFormat, edits.Format)
}

// Apply validates the edits, decodes the source and applies every edit in
// the fixed pipeline order. The caller owns the returned canvas.
func (x *Executor) Apply(ctx context.Context, src []byte, edits domain.Edits) (Canvas, error) {
	if err := edits.Validate(); err != nil {
		return nil, err
	}

	canvas, err := x.engine.Open(src)
	if err != nil {
		return nil, imgerr.ImageProcessingError("Unable to decode the source image.", err)
	}

	for _, s := range plan(edits) {
		select {
		case <-ctx.Done():
			canvas.Close()
			return nil, ctx.Err()
		default:
		}
		if err := s.apply(canvas); err != nil {
			canvas.Close()
			return nil, imgerr.ImageEditsError(fmt.Sprintf("Unable to apply the %s edit.", s.name), err)
		}
	}
	return canvas, nil
}

// Format encodes the canvas. The explicit target wins, then the edit set's
// format block, then the source format.
func (x *Executor) Format(canvas Canvas, sourceFormat, targetFormat string, block *domain.FormatOptions) (Output, error) {
	if canvas == nil {
		return Output{}, imgerr.ImageProcessingError("No image was produced.", nil)
	}

	target := domain.NormalizeFormat(targetFormat)
	if target == "" && block != nil {
		target = block.Format
	}
	if target == "" {
		target = domain.NormalizeFormat(sourceFormat)
	}
	if !domain.IsSupportedFormat(target) {
		return Output{}, imgerr.ImageFormatError(fmt.Sprintf("Unsupported output format %q.", target), nil)
	}

	opts := domain.FormatOptions{Format: target}
	if block != nil && block.Format == target {
		opts = *block
	}

	data, err := canvas.Encode(opts)
	if err != nil {
		return Output{}, imgerr.ImageFormatError(fmt.Sprintf("Unable to encode the image as %s.", target), err)
	}
	if len(data) == 0 {
		return Output{}, imgerr.ImageProcessingError("No image was produced.", nil)
	}

	return Output{
		Data:        data,
		Format:      target,
		ContentType: domain.ContentTypeForFormat(target),
		Width:       canvas.Width(),
		Height:      canvas.Height(),
	}, nil
}

type step struct {
	name  string
	apply func(Canvas) error
}

// plan lists the edits in application order. The order is fixed: geometry
// first, then color, then canvas padding, then the watermark on top.
func plan(edits domain.Edits) []step {
	var steps []step
	add := func(name string, fn func(Canvas) error) {
		steps = append(steps, step{name: name, apply: fn})
	}

	if edits.Resize != nil {
		r := resizeParams(*edits.Resize)
		add("resize", func(c Canvas) error { return c.Resize(r) })
	}
	if edits.Grayscale {
		add("grayscale", Canvas.Grayscale)
	}
	if edits.Flip {
		add("flip", Canvas.Flip)
	}
	if edits.Flop {
		add("flop", Canvas.Flop)
	}
	if edits.Rotate != nil {
		angle := edits.Rotate.Angle
		bg := domain.TransparentBlack
		if edits.Rotate.Background != nil {
			bg = *edits.Rotate.Background
		}
		add("rotate", func(c Canvas) error { return c.Rotate(angle, bg) })
	}
	if edits.Background != nil {
		bg := *edits.Background
		add("background", func(c Canvas) error { return c.Flatten(bg) })
	}
	if edits.Flatten != nil {
		bg := edits.Flatten.Background
		add("flatten", func(c Canvas) error { return c.Flatten(bg) })
	}
	if edits.Tint != nil && !edits.Tint.IsZero() {
		tint := *edits.Tint
		add("rgb", func(c Canvas) error { return c.Tint(tint) })
	}
	if edits.Normalize {
		add("normalize", Canvas.Normalize)
	}
	if edits.Threshold != nil {
		level := *edits.Threshold
		add("threshold", func(c Canvas) error { return c.Threshold(level) })
	}
	if edits.Sharpen != nil {
		sigma := *edits.Sharpen
		add("sharpen", func(c Canvas) error { return c.Sharpen(sigma) })
	}
	if edits.Blur != nil {
		sigma := *edits.Blur
		add("blur", func(c Canvas) error { return c.Blur(sigma) })
	}
	if edits.Extend != nil {
		ext := *edits.Extend
		add("extend", func(c Canvas) error { return c.Extend(ext) })
	}
	if edits.Watermark != nil {
		wm := *edits.Watermark
		add("watermark", func(c Canvas) error {
			return c.DrawText(watermarkLayer(wm, c.Width(), c.Height()))
		})
	}
	return steps
}

// resizeParams fills defaults. A non-cover fit carries an explicit
// background; cover never letterboxes so it needs none.
func resizeParams(r domain.ResizeEdit) domain.ResizeEdit {
	if r.Position == "" {
		r.Position = "center"
	}
	if r.Fit != "" && r.Fit != domain.FitCover {
		if r.Background == nil {
			bg := domain.TransparentBlack
			r.Background = &bg
		}
		return r
	}
	r.Fit = domain.FitCover
	r.Background = nil
	return r
}

// TextLayer is a full-size text overlay. X and Y locate the anchor point in
// pixels; HAnchor is start|middle|end and VAnchor is hanging|middle|baseline.
type TextLayer struct {
	Text     string
	Color    domain.Color
	FontSize float64
	Width    int
	Height   int
	X        float64
	Y        float64
	HAnchor  string
	VAnchor  string
}

func watermarkLayer(wm domain.WatermarkEdit, width, height int) TextLayer {
	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = defaultWatermarkOpacity
	}
	padding := wm.Padding
	if padding <= 0 {
		padding = defaultWatermarkPadding
	}
	fontSize := wm.FontSize
	if fontSize <= 0 {
		fontSize = domain.DefaultWatermarkSize
	}
	colorHex := wm.Color
	if strings.TrimSpace(colorHex) == "" {
		colorHex = defaultWatermarkColor
	}
	color := domain.ParseHexColor(colorHex)
	color.Alpha = opacity

	hAnchor, vAnchor := watermarkAnchors(wm.Position)
	xPct, yPct := 50.0, 50.0
	switch hAnchor {
	case "start":
		xPct = padding
	case "end":
		xPct = 100 - padding
	}
	switch vAnchor {
	case "hanging":
		yPct = padding
	case "baseline":
		yPct = 100 - padding
	}

	return TextLayer{
		Text:     wm.Text,
		Color:    color,
		FontSize: fontSize,
		Width:    width,
		Height:   height,
		X:        float64(width) * xPct / 100,
		Y:        float64(height) * yPct / 100,
		HAnchor:  hAnchor,
		VAnchor:  vAnchor,
	}
}

// watermarkAnchors accepts both "top-left" and "northwest" spellings of the
// nine compass positions.
func watermarkAnchors(position string) (string, string) {
	position = strings.ToLower(strings.TrimSpace(position))
	h, v := "middle", "middle"
	switch {
	case strings.Contains(position, "left"), strings.Contains(position, "west"):
		h = "start"
	case strings.Contains(position, "right"), strings.Contains(position, "east"):
		h = "end"
	}
	switch {
	case strings.Contains(position, "top"), strings.Contains(position, "north"):
		v = "hanging"
	case strings.Contains(position, "bottom"), strings.Contains(position, "south"):
		v = "baseline"
	}
	return h, v
}
