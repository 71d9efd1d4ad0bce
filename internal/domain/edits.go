package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dunamismax/imagehandler/internal/imgerr"
)

const (
	FitCover   = "cover"
	FitContain = "contain"
	FitFill    = "fill"
	FitInside  = "inside"
	FitOutside = "outside"

	MaxDimension = 10000

	DefaultThreshold     = 128
	DefaultBlurSigma     = 1.0
	DefaultSharpenSigma  = 1.0
	DefaultWatermarkSize = 48
)

// AllowedEdits is the allow-list of edit names accepted in a request.
// toFormat is accepted and lifted into the request's output format.
var AllowedEdits = []string{
	"resize", "grayscale", "flip", "flop", "rotate", "background", "flatten",
	"rgb", "tint", "normalize", "threshold", "sharpen", "blur", "extend", "watermark",
	FormatJPEG, FormatPNG, FormatWebP, FormatTIFF, FormatGIF, FormatAVIF,
	"toFormat",
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedEdits))
	for _, name := range AllowedEdits {
		m[name] = true
	}
	return m
}()

func IsAllowedEdit(name string) bool {
	return allowed[name]
}

type ResizeEdit struct {
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Fit        string `json:"fit,omitempty"`
	Position   string `json:"position,omitempty"`
	Background *Color `json:"background,omitempty"`
}

type RotateEdit struct {
	Angle      float64 `json:"angle"`
	Background *Color  `json:"background,omitempty"`
}

type FlattenEdit struct {
	Background Color `json:"background"`
}

type TintEdit struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (t TintEdit) IsZero() bool {
	return t.R == 0 && t.G == 0 && t.B == 0
}

type ExtendEdit struct {
	Top        int   `json:"top,omitempty"`
	Bottom     int   `json:"bottom,omitempty"`
	Left       int   `json:"left,omitempty"`
	Right      int   `json:"right,omitempty"`
	Background Color `json:"background"`
}

type WatermarkEdit struct {
	Text     string  `json:"text"`
	Position string  `json:"position,omitempty"`
	Color    string  `json:"color,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
	Padding  float64 `json:"padding,omitempty"`
}

type FormatOptions struct {
	Format      string `json:"format"`
	Quality     int    `json:"quality,omitempty"`
	Lossless    bool   `json:"lossless,omitempty"`
	Progressive bool   `json:"progressive,omitempty"`
}

// Edits is the validated edit set of one request. Field order mirrors the
// order in which the pipeline applies them, which also makes the JSON
// encoding canonical.
type Edits struct {
	Resize     *ResizeEdit    `json:"resize,omitempty"`
	Grayscale  bool           `json:"grayscale,omitempty"`
	Flip       bool           `json:"flip,omitempty"`
	Flop       bool           `json:"flop,omitempty"`
	Rotate     *RotateEdit    `json:"rotate,omitempty"`
	Background *Color         `json:"background,omitempty"`
	Flatten    *FlattenEdit   `json:"flatten,omitempty"`
	Tint       *TintEdit      `json:"rgb,omitempty"`
	Normalize  bool           `json:"normalize,omitempty"`
	Threshold  *int           `json:"threshold,omitempty"`
	Sharpen    *float64       `json:"sharpen,omitempty"`
	Blur       *float64       `json:"blur,omitempty"`
	Extend     *ExtendEdit    `json:"extend,omitempty"`
	Watermark  *WatermarkEdit `json:"watermark,omitempty"`
	Format     *FormatOptions `json:"format,omitempty"`
}

func (e Edits) IsEmpty() bool {
	return e == Edits{}
}

// ParseEdits checks every key against the allow-list before decoding any
// value, then decodes each edit into its typed form.
func ParseEdits(raw map[string]json.RawMessage) (Edits, error) {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !IsAllowedEdit(key) {
			return Edits{}, imgerr.InvalidEdits(fmt.Sprintf("Unsupported edit: %q.", key))
		}
	}

	var (
		out Edits
		err error
	)
	for _, key := range keys {
		value := raw[key]
		if isNull(value) {
			continue
		}
		switch key {
		case "resize":
			out.Resize, err = parseResize(value)
		case "grayscale":
			out.Grayscale, err = parseFlag(value)
		case "flip":
			out.Flip, err = parseFlag(value)
		case "flop":
			out.Flop, err = parseFlag(value)
		case "normalize":
			out.Normalize, err = parseFlag(value)
		case "rotate":
			out.Rotate, err = parseRotate(value)
		case "background":
			var c Color
			err = json.Unmarshal(value, &c)
			out.Background = &c
		case "flatten":
			out.Flatten, err = parseFlatten(value)
		case "rgb", "tint":
			var t TintEdit
			err = json.Unmarshal(value, &t)
			out.Tint = &t
		case "threshold":
			var level *float64
			level, err = parseAmount(value, DefaultThreshold)
			if level != nil {
				v := int(*level)
				out.Threshold = &v
			}
		case "sharpen":
			out.Sharpen, err = parseSigma(value, DefaultSharpenSigma)
		case "blur":
			out.Blur, err = parseSigma(value, DefaultBlurSigma)
		case "extend":
			var ext ExtendEdit
			err = json.Unmarshal(value, &ext)
			out.Extend = &ext
		case "watermark":
			out.Watermark, err = parseWatermark(value)
		case "toFormat":
			// lifted by the request decoder
		default:
			if out.Format == nil || formatRank(key) < formatRank(out.Format.Format) {
				var opts *FormatOptions
				opts, err = parseFormatOptions(key, value)
				if opts != nil {
					out.Format = opts
				}
			}
		}
		if err != nil {
			return Edits{}, imgerr.InvalidEdits(fmt.Sprintf("Invalid value for edit %q: %v.", key, err))
		}
	}

	if err := out.Validate(); err != nil {
		return Edits{}, err
	}
	return out, nil
}

// Validate rejects parameter combinations the pipeline cannot apply. It
// runs before any image byte is decoded.
func (e Edits) Validate() error {
	if r := e.Resize; r != nil {
		if r.Width < 0 || r.Height < 0 || r.Width > MaxDimension || r.Height > MaxDimension {
			return imgerr.InvalidEdits(fmt.Sprintf("Resize dimensions must be between 0 and %d.", MaxDimension))
		}
		switch r.Fit {
		case "", FitCover, FitContain, FitFill, FitInside, FitOutside:
		default:
			return imgerr.InvalidEdits(fmt.Sprintf("Unsupported resize fit %q.", r.Fit))
		}
	}
	if e.Threshold != nil && (*e.Threshold < 0 || *e.Threshold > 255) {
		return imgerr.InvalidEdits("Threshold must be between 0 and 255.")
	}
	if e.Blur != nil && (*e.Blur < 0.3 || *e.Blur > 1000) {
		return imgerr.InvalidEdits("Blur sigma must be between 0.3 and 1000.")
	}
	if e.Sharpen != nil && (*e.Sharpen <= 0 || *e.Sharpen > 1000) {
		return imgerr.InvalidEdits("Sharpen sigma must be between 0 and 1000.")
	}
	if x := e.Extend; x != nil && (x.Top < 0 || x.Bottom < 0 || x.Left < 0 || x.Right < 0) {
		return imgerr.InvalidEdits("Extend offsets must not be negative.")
	}
	if w := e.Watermark; w != nil {
		if strings.TrimSpace(w.Text) == "" {
			return imgerr.InvalidEdits("Watermark text is required.")
		}
		if w.Opacity < 0 || w.Opacity > 1 {
			return imgerr.InvalidEdits("Watermark opacity must be between 0 and 1.")
		}
		if w.Padding < 0 || w.Padding >= 50 {
			return imgerr.InvalidEdits("Watermark padding must be between 0 and 50 percent.")
		}
	}
	if f := e.Format; f != nil {
		if !IsSupportedFormat(f.Format) {
			return imgerr.InvalidEdits(fmt.Sprintf("Unsupported output format %q.", f.Format))
		}
		if f.Quality < 0 || f.Quality > 100 {
			return imgerr.InvalidEdits("Quality must be between 0 and 100.")
		}
	}
	return nil
}

func parseResize(value json.RawMessage) (*ResizeEdit, error) {
	var r ResizeEdit
	if err := json.Unmarshal(value, &r); err != nil {
		return nil, err
	}
	r.Fit = strings.ToLower(strings.TrimSpace(r.Fit))
	r.Position = strings.ToLower(strings.TrimSpace(r.Position))
	return &r, nil
}

func parseRotate(value json.RawMessage) (*RotateEdit, error) {
	var angle float64
	if err := json.Unmarshal(value, &angle); err == nil {
		return &RotateEdit{Angle: angle}, nil
	}
	var r RotateEdit
	if err := json.Unmarshal(value, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func parseFlatten(value json.RawMessage) (*FlattenEdit, error) {
	var on bool
	if err := json.Unmarshal(value, &on); err == nil {
		if !on {
			return nil, nil
		}
		return &FlattenEdit{Background: OpaqueBlack}, nil
	}
	var f struct {
		Background *Color `json:"background"`
	}
	if err := json.Unmarshal(value, &f); err != nil {
		return nil, err
	}
	if f.Background == nil {
		return &FlattenEdit{Background: OpaqueBlack}, nil
	}
	return &FlattenEdit{Background: *f.Background}, nil
}

func parseWatermark(value json.RawMessage) (*WatermarkEdit, error) {
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return &WatermarkEdit{Text: text}, nil
	}
	var w WatermarkEdit
	if err := json.Unmarshal(value, &w); err != nil {
		return nil, err
	}
	w.Position = strings.ToLower(strings.TrimSpace(w.Position))
	return &w, nil
}

func parseFormatOptions(format string, value json.RawMessage) (*FormatOptions, error) {
	var on bool
	if err := json.Unmarshal(value, &on); err == nil {
		if !on {
			return nil, nil
		}
		return &FormatOptions{Format: format}, nil
	}
	var opts FormatOptions
	if err := json.Unmarshal(value, &opts); err != nil {
		return nil, err
	}
	opts.Format = format
	return &opts, nil
}

func parseFlag(value json.RawMessage) (bool, error) {
	var on bool
	if err := json.Unmarshal(value, &on); err != nil {
		return false, err
	}
	return on, nil
}

// parseAmount accepts true (use fallback), false (disabled) or a number.
func parseAmount(value json.RawMessage, fallback float64) (*float64, error) {
	var on bool
	if err := json.Unmarshal(value, &on); err == nil {
		if !on {
			return nil, nil
		}
		return &fallback, nil
	}
	var n float64
	if err := json.Unmarshal(value, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func parseSigma(value json.RawMessage, fallback float64) (*float64, error) {
	var obj struct {
		Sigma *float64 `json:"sigma"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(value), []byte("{")) {
		if err := json.Unmarshal(value, &obj); err != nil {
			return nil, err
		}
		if obj.Sigma == nil {
			return &fallback, nil
		}
		return obj.Sigma, nil
	}
	return parseAmount(value, fallback)
}

func formatRank(format string) int {
	for i, f := range FormatOrder {
		if f == format {
			return i
		}
	}
	return len(FormatOrder)
}

func isNull(value json.RawMessage) bool {
	return len(value) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
