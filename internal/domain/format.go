package domain

import "strings"

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatTIFF = "tiff"
	FormatGIF  = "gif"
	FormatAVIF = "avif"
)

// FormatOrder is the fixed precedence of per-format option blocks in an edit
// set. The first one present wins.
var FormatOrder = []string{FormatJPEG, FormatPNG, FormatWebP, FormatTIFF, FormatGIF, FormatAVIF}

var contentTypes = map[string]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatWebP: "image/webp",
	FormatTIFF: "image/tiff",
	FormatGIF:  "image/gif",
	FormatAVIF: "image/avif",
}

// NormalizeFormat maps aliases onto canonical format names. Unknown formats
// are returned lowercased so callers can report them.
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "jpg":
		return FormatJPEG
	case "tif":
		return FormatTIFF
	default:
		return format
	}
}

func IsSupportedFormat(format string) bool {
	_, ok := contentTypes[NormalizeFormat(format)]
	return ok
}

func ContentTypeForFormat(format string) string {
	return contentTypes[NormalizeFormat(format)]
}

// FormatForContentType returns "" when the content type is not one of the
// supported image types.
func FormatForContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "image/jpg" {
		return FormatJPEG
	}
	for format, ct := range contentTypes {
		if ct == contentType {
			return format
		}
	}
	return ""
}

// FormatForExtension resolves a file extension, with or without the dot.
func FormatForExtension(ext string) string {
	format := NormalizeFormat(strings.TrimPrefix(ext, "."))
	if IsSupportedFormat(format) {
		return format
	}
	return ""
}

func ExtensionForFormat(format string) string {
	format = NormalizeFormat(format)
	if format == FormatJPEG {
		return "jpg"
	}
	return format
}
