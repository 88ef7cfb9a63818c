package photo

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	transportQuality = 90
	thumbnailQuality = 80
)

// EncodeTransport downsizes img to fit maxDim and encodes it as JPEG for the ML service.
func EncodeTransport(img image.Image, maxDim int) ([]byte, error) {
	return encodeJPEG(fit(img, maxDim), transportQuality)
}

// Thumbnail returns a JPEG no larger than size on either side.
func Thumbnail(img image.Image, size int) ([]byte, error) {
	return encodeJPEG(fit(img, size), thumbnailQuality)
}

func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}

type opaquer interface {
	Opaque() bool
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	// JPEG has no alpha; flatten onto white so transparent areas don't turn black
	if o, ok := img.(opaquer); ok && !o.Opaque() {
		b := img.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.White)
		img = imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
