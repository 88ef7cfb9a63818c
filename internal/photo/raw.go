package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"
)

// ErrNoRawPreview is returned when a RAW file carries no decodable JPEG preview.
var ErrNoRawPreview = errors.New("no embedded preview in raw file")

// minPreviewSide skips the tiny EXIF thumbnails most RAW files also embed.
const minPreviewSide = 320

var jpegSOI = []byte{0xFF, 0xD8, 0xFF}

func (d *Decoder) decodeRaw(ctx context.Context, path string) (image.Image, error) {
	if !d.cfg.PreferExternal || d.cfg.RawCommand == "" {
		img, err := d.decodeRawPreview(path)
		if err == nil || d.cfg.RawCommand == "" {
			return img, err
		}
	}

	img, err := d.decodeRawExternal(ctx, path)
	if err != nil && d.cfg.PreferExternal {
		// The converter is missing or choked; the preview is still better than nothing.
		if preview, perr := d.decodeRawPreview(path); perr == nil {
			return preview, nil
		}
	}
	return img, err
}

func (d *Decoder) decodeRawPreview(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw file: %w", err)
	}

	img, err := extractPreview(data)
	if err != nil {
		return nil, err
	}
	return applyOrientation(img, readOrientation(data)), nil
}

// extractPreview returns the largest JPEG embedded in data.
func extractPreview(data []byte) (image.Image, error) {
	best, bestArea := -1, 0
	for offset := 0; ; {
		idx := bytes.Index(data[offset:], jpegSOI)
		if idx < 0 {
			break
		}
		start := offset + idx
		offset = start + len(jpegSOI)

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data[start:]))
		if err != nil || cfg.Width < minPreviewSide || cfg.Height < minPreviewSide {
			continue
		}
		if area := cfg.Width * cfg.Height; area > bestArea {
			best, bestArea = start, area
		}
	}
	if best < 0 {
		return nil, ErrNoRawPreview
	}

	img, err := jpeg.Decode(bytes.NewReader(data[best:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRawPreview, err)
	}
	return img, nil
}

func (d *Decoder) decodeRawExternal(ctx context.Context, path string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RawTimeout)
	defer cancel()

	args := append(append([]string{}, d.cfg.RawArgs...), path)
	cmd := exec.CommandContext(ctx, d.cfg.RawCommand, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", d.cfg.RawCommand, err, msg)
		}
		return nil, fmt.Errorf("%s failed: %w", d.cfg.RawCommand, err)
	}

	img, err := tiff.Decode(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s output: %w", d.cfg.RawCommand, err)
	}
	return img, nil
}

func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return o
}

// applyOrientation rotates or flips img so that EXIF orientation o displays upright.
func applyOrientation(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
