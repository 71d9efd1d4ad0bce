package domain

import (
	"encoding/json"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Color is an 8-bit RGB color with a 0..1 alpha. The zero value is fully
// transparent black.
type Color struct {
	R     uint8   `json:"r"`
	G     uint8   `json:"g"`
	B     uint8   `json:"b"`
	Alpha float64 `json:"alpha"`
}

var (
	TransparentBlack = Color{}
	OpaqueBlack      = Color{Alpha: 1}
)

// ExpandHex normalizes "#RGB", "RGB", "#RRGGBB" and "RRGGBB" into
// "#RRGGBB". The boolean is false when the input is not a hex color.
func ExpandHex(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 3 && len(s) != 6 {
		return "", false
	}
	for _, r := range s {
		if !isHexDigit(r) {
			return "", false
		}
	}
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	return "#" + strings.ToUpper(s), true
}

// ParseHexColor never fails: input that is not a hex color resolves to
// opaque black.
func ParseHexColor(s string) Color {
	hex, ok := ExpandHex(s)
	if !ok {
		return OpaqueBlack
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return OpaqueBlack
	}
	r, g, b := c.RGB255()
	return Color{R: r, G: g, B: b, Alpha: 1}
}

// UnmarshalJSON accepts either a hex string or an {r,g,b,alpha} object.
// Objects without an alpha are opaque.
func (c *Color) UnmarshalJSON(data []byte) error {
	var hex string
	if err := json.Unmarshal(data, &hex); err == nil {
		*c = ParseHexColor(hex)
		return nil
	}

	var obj struct {
		R     uint8    `json:"r"`
		G     uint8    `json:"g"`
		B     uint8    `json:"b"`
		Alpha *float64 `json:"alpha"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	alpha := 1.0
	if obj.Alpha != nil {
		alpha = clampUnit(*obj.Alpha)
	}
	*c = Color{R: obj.R, G: obj.G, B: obj.B, Alpha: alpha}
	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
