package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"golang.org/x/image/webp"
)

// ToPNG returns data as PNG bytes. PNG input is returned unchanged; WEBP and
// JPEG are decoded and re-encoded.
func ToPNG(data []byte) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	switch http.DetectContentType(data) {
	case "image/png":
		return data, nil
	case "image/webp":
		img, err = webp.Decode(bytes.NewReader(data))
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnrecognizedPayload
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
