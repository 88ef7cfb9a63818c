package photo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for files whose extension has no decoder.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// DecoderConfig configures the RAW decode path.
type DecoderConfig struct {
	RawCommand     string        // external RAW converter writing TIFF to stdout, e.g. dcraw
	RawArgs        []string      // arguments placed before the file path
	PreferExternal bool          // use the external converter before the embedded preview
	RawTimeout     time.Duration // per-file limit for the external converter
}

// Decoder turns a file on disk into an upright bitmap.
// It holds no per-call state and is safe for concurrent use.
type Decoder struct {
	cfg DecoderConfig
}

// NewDecoder creates a Decoder.
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.RawTimeout <= 0 {
		cfg.RawTimeout = 2 * time.Minute
	}
	return &Decoder{cfg: cfg}
}

// Decode decodes path with the codec its extension selects and applies EXIF orientation.
func (d *Decoder) Decode(ctx context.Context, path string) (image.Image, error) {
	_, raw, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if raw {
		return d.decodeRaw(ctx, path)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
