package photo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"github.com/timmy/photoloom/internal/domain"
)

const (
	xmpScanBytes  = 512 * 1024
	maxExtraValue = 256
)

var (
	xmpSubjectRe = regexp.MustCompile(`(?s)<dc:subject>\s*<rdf:(?:Bag|Seq)>(.*?)</rdf:(?:Bag|Seq)>`)
	xmpItemRe    = regexp.MustCompile(`<rdf:li[^>]*>([^<]*)</rdf:li>`)
)

// Fields with a typed home in PhotoMetadata; everything else string-valued goes to Extra.
var typedFields = map[exif.FieldName]bool{
	exif.Make:              true,
	exif.Model:             true,
	exif.LensModel:         true,
	exif.DateTime:          true,
	exif.DateTimeOriginal:  true,
	exif.DateTimeDigitized: true,
	exif.GPSLatitudeRef:    true,
	exif.GPSLongitudeRef:   true,
}

// ExtractMetadata reads file, EXIF and XMP metadata for path.
// Missing or malformed EXIF/XMP yields partial metadata, not an error; only a
// failure to read the file itself is returned.
func ExtractMetadata(path string) (domain.PhotoMetadata, error) {
	format, raw, _ := FormatOf(path)
	meta := domain.PhotoMetadata{
		Filename: filepath.Base(path),
		Path:     path,
		Format:   format,
		IsRaw:    raw,
	}

	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return meta, fmt.Errorf("failed to stat file: %w", err)
	}
	meta.FileSize = info.Size()

	if x, err := exif.Decode(f); err == nil {
		applyExif(&meta, x)
	}

	if _, err := f.Seek(0, io.SeekStart); err == nil {
		head := make([]byte, xmpScanBytes)
		n, _ := io.ReadFull(f, head)
		meta.Keywords = mergeKeywords(parseXMPKeywords(head[:n]), meta.Keywords)
	}

	return meta, nil
}

func applyExif(meta *domain.PhotoMetadata, x *exif.Exif) {
	meta.CameraMake = exifString(x, exif.Make)
	meta.CameraModel = exifString(x, exif.Model)
	meta.LensModel = exifString(x, exif.LensModel)

	if t, err := x.DateTime(); err == nil && !t.IsZero() {
		meta.TakenAt = &t
	}
	if lat, long, err := x.LatLong(); err == nil {
		meta.Latitude = &lat
		meta.Longitude = &long
	}

	meta.FocalLength = exifFloat(x, exif.FocalLength)
	meta.FNumber = exifFloat(x, exif.FNumber)
	meta.ISO = exifInt(x, exif.ISOSpeedRatings)
	meta.Orientation = exifInt(x, exif.Orientation)

	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			if num%den == 0 {
				meta.ExposureTime = fmt.Sprintf("%d", num/den)
			} else {
				meta.ExposureTime = fmt.Sprintf("%d/%d", num, den)
			}
		}
	}

	if tag, err := x.Get(exif.XPKeywords); err == nil {
		meta.Keywords = decodeXPKeywords(tag.Val)
	}

	extra := make(map[string]string)
	_ = x.Walk(extraWalker(extra))
	if len(extra) > 0 {
		meta.Extra = extra
	}
}

type extraWalker map[string]string

func (w extraWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if typedFields[name] || tag.Format() != tiff.StringVal {
		return nil
	}
	val, err := tag.StringVal()
	if err != nil {
		return nil
	}
	val = strings.TrimSpace(strings.TrimRight(val, "\x00"))
	if val == "" {
		return nil
	}
	if len(val) > maxExtraValue {
		val = val[:maxExtraValue]
	}
	w[string(name)] = val
	return nil
}

func exifString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	val, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(val, "\x00"))
}

func exifInt(x *exif.Exif, name exif.FieldName) int {
	tag, err := x.Get(name)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}

func exifFloat(x *exif.Exif, name exif.FieldName) float64 {
	tag, err := x.Get(name)
	if err != nil {
		return 0
	}
	r, err := tag.Rat(0)
	if err != nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}

// decodeXPKeywords splits the Windows XPKeywords tag: UTF-16LE text,
// NUL-terminated, keywords separated by ';'.
func decodeXPKeywords(raw []byte) []string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		u := binary.LittleEndian.Uint16(raw[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}

	var keywords []string
	for _, kw := range strings.Split(string(utf16.Decode(units)), ";") {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return mergeKeywords(keywords)
}

// mergeKeywords concatenates keyword lists, dropping repeats and keeping first occurrence order.
func mergeKeywords(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, kw := range list {
			if seen[kw] {
				continue
			}
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

// parseXMPKeywords returns the dc:subject entries of an XMP packet, deduplicated in order.
func parseXMPKeywords(data []byte) []string {
	start := bytes.Index(data, []byte("<x:xmpmeta"))
	if start < 0 {
		return nil
	}
	packet := data[start:]
	if end := bytes.Index(packet, []byte("</x:xmpmeta>")); end >= 0 {
		packet = packet[:end]
	}

	m := xmpSubjectRe.FindSubmatch(packet)
	if m == nil {
		return nil
	}

	var keywords []string
	seen := make(map[string]bool)
	for _, item := range xmpItemRe.FindAllSubmatch(m[1], -1) {
		kw := strings.TrimSpace(unescapeXML(string(item[1])))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}
	return keywords
}

var xmlUnescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'")

func unescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}
