package pipeline

import (
	"bytes"
	"errors"
	"image"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

var ErrEmptyImage = errors.New("image data is empty")

// Probe sniffs the format from magic bytes and reads dimensions when the
// header is decodable. It never decodes pixels, and truncated or malformed
// data still yields whatever could be detected.
func Probe(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, ErrEmptyImage
	}

	mime := mimetype.Detect(data)
	meta := Metadata{
		ContentType: mime.String(),
		Format:      domain.FormatForContentType(mime.String()),
	}
	if meta.Format != "" {
		meta.ContentType = domain.ContentTypeForFormat(meta.Format)
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta.Width = cfg.Width
		meta.Height = cfg.Height
	}
	return meta, nil
}
