package photo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255}), nil))
	return buf.Bytes()
}

// exifSegment builds an APP1 segment with IFD0 Make and Orientation entries.
func exifSegment(cameraMake string, orientation uint16) []byte {
	le := binary.LittleEndian
	makeVal := append([]byte(cameraMake), 0)
	const dataOffset = 8 + 2 + 2*12 + 4

	tiffData := make([]byte, dataOffset)
	copy(tiffData, "II")
	le.PutUint16(tiffData[2:], 42)
	le.PutUint32(tiffData[4:], 8)
	le.PutUint16(tiffData[8:], 2)

	e := tiffData[10:]
	le.PutUint16(e[0:], 0x010F)
	le.PutUint16(e[2:], 2)
	le.PutUint32(e[4:], uint32(len(makeVal)))
	le.PutUint32(e[8:], dataOffset)

	e = tiffData[22:]
	le.PutUint16(e[0:], 0x0112)
	le.PutUint16(e[2:], 3)
	le.PutUint32(e[4:], 1)
	le.PutUint16(e[8:], orientation)

	tiffData = append(tiffData, makeVal...)
	return app1Segment(tiffData)
}

// xpKeywordsSegment builds an APP1 segment whose IFD0 holds only XPKeywords.
func xpKeywordsSegment(keywords string) []byte {
	le := binary.LittleEndian
	var val []byte
	for _, u := range utf16.Encode([]rune(keywords)) {
		val = le.AppendUint16(val, u)
	}
	val = append(val, 0, 0)
	const dataOffset = 8 + 2 + 12 + 4

	tiffData := make([]byte, dataOffset)
	copy(tiffData, "II")
	le.PutUint16(tiffData[2:], 42)
	le.PutUint32(tiffData[4:], 8)
	le.PutUint16(tiffData[8:], 1)

	e := tiffData[10:]
	le.PutUint16(e[0:], 0x9C9E)
	le.PutUint16(e[2:], 1)
	le.PutUint32(e[4:], uint32(len(val)))
	le.PutUint32(e[8:], dataOffset)

	return app1Segment(append(tiffData, val...))
}

func app1Segment(tiffData []byte) []byte {
	payload := append([]byte("Exif\x00\x00"), tiffData...)
	seg := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

func withSegment(t *testing.T, w, h int, seg []byte) []byte {
	plain := jpegBytes(t, w, h)
	out := append([]byte{}, plain[:2]...)
	out = append(out, seg...)
	return append(out, plain[2:]...)
}

func jpegWithExif(t *testing.T, w, h int, cameraMake string, orientation uint16) []byte {
	return withSegment(t, w, h, exifSegment(cameraMake, orientation))
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path   string
		format string
		raw    bool
		ok     bool
	}{
		{"/a/b/IMG_0001.JPG", "jpeg", false, true},
		{"x.jpeg", "jpeg", false, true},
		{"x.webp", "webp", false, true},
		{"x.TIF", "tiff", false, true},
		{"DSC_1.NEF", "nef", true, true},
		{"x.dng", "dng", true, true},
		{"x.rw2", "rw2", true, true},
		{"notes.txt", "", false, false},
		{"noext", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			format, raw, ok := FormatOf(tt.path)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.raw, raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, IsSupported(tt.path))
		})
	}

	assert.Len(t, SupportedExtensions(), 14)
}

func TestDecodeStandard(t *testing.T) {
	dir := t.TempDir()
	dec := NewDecoder(DecoderConfig{})

	t.Run("jpeg", func(t *testing.T) {
		img, err := dec.Decode(context.Background(), writeFile(t, dir, "a.jpg", jpegBytes(t, 64, 32)))
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
		assert.Equal(t, 32, img.Bounds().Dy())
	})

	t.Run("exif orientation applied", func(t *testing.T) {
		img, err := dec.Decode(context.Background(), writeFile(t, dir, "r.jpg", jpegWithExif(t, 64, 32, "Canon", 6)))
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())
		assert.Equal(t, 64, img.Bounds().Dy())
	})

	t.Run("png", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, solidImage(10, 20, color.NRGBA{A: 128})))
		img, err := dec.Decode(context.Background(), writeFile(t, dir, "a.png", buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, 20, img.Bounds().Dy())
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := dec.Decode(context.Background(), writeFile(t, dir, "bad.jpg", []byte("definitely not a jpeg")))
		assert.Error(t, err)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := dec.Decode(context.Background(), writeFile(t, dir, "a.txt", []byte("x")))
		assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	})
}

func fakeRaw(t *testing.T) []byte {
	var raw bytes.Buffer
	raw.WriteString("II*\x00 sensor data that is not a jpeg ")
	raw.Write(jpegBytes(t, 160, 120)) // EXIF-sized thumbnail, ignored
	raw.Write(bytes.Repeat([]byte{0x13, 0x37, 0xFF, 0xD8}, 64))
	raw.Write(jpegBytes(t, 400, 300))
	raw.WriteString("more sensor data")
	raw.Write(jpegBytes(t, 640, 480))
	raw.Write(bytes.Repeat([]byte{0x00, 0xFF}, 128))
	return raw.Bytes()
}

func TestExtractPreviewPicksLargest(t *testing.T) {
	img, err := extractPreview(fakeRaw(t))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())

	_, err = extractPreview([]byte("no previews here \xFF\xD8\xFF truncated"))
	assert.ErrorIs(t, err, ErrNoRawPreview)
}

func TestDecodeRaw(t *testing.T) {
	dir := t.TempDir()
	rawPath := writeFile(t, dir, "DSC_0001.NEF", fakeRaw(t))
	emptyPath := writeFile(t, dir, "empty.dng", []byte("II*\x00 nothing useful"))

	t.Run("embedded preview", func(t *testing.T) {
		img, err := NewDecoder(DecoderConfig{}).Decode(context.Background(), rawPath)
		require.NoError(t, err)
		assert.Equal(t, 640, img.Bounds().Dx())
	})

	t.Run("external converter missing falls back to preview", func(t *testing.T) {
		dec := NewDecoder(DecoderConfig{RawCommand: "photoloom-no-such-converter", PreferExternal: true})
		img, err := dec.Decode(context.Background(), rawPath)
		require.NoError(t, err)
		assert.Equal(t, 480, img.Bounds().Dy())
	})

	t.Run("no preview and no converter", func(t *testing.T) {
		_, err := NewDecoder(DecoderConfig{}).Decode(context.Background(), emptyPath)
		assert.ErrorIs(t, err, ErrNoRawPreview)
	})

	t.Run("no preview and failing converter", func(t *testing.T) {
		dec := NewDecoder(DecoderConfig{RawCommand: "photoloom-no-such-converter"})
		_, err := dec.Decode(context.Background(), emptyPath)
		assert.Error(t, err)
	})
}

func TestApplyOrientation(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.NRGBA{R: 255, A: 255})
	src.Set(1, 0, color.NRGBA{B: 255, A: 255})

	tests := []struct {
		orientation int
		w, h        int
	}{
		{1, 2, 1}, {2, 2, 1}, {3, 2, 1}, {4, 2, 1},
		{5, 1, 2}, {6, 1, 2}, {7, 1, 2}, {8, 1, 2},
		{0, 2, 1}, {9, 2, 1},
	}
	for _, tt := range tests {
		got := applyOrientation(src, tt.orientation)
		assert.Equal(t, tt.w, got.Bounds().Dx(), "orientation %d", tt.orientation)
		assert.Equal(t, tt.h, got.Bounds().Dy(), "orientation %d", tt.orientation)
	}

	// 2: mirrored, so the red pixel moves to the right.
	r, _, _, _ := applyOrientation(src, 2).At(1, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	// 6: rotate clockwise, so the red pixel ends on top.
	r, _, _, _ = applyOrientation(src, 6).At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestEncodeTransportAndThumbnail(t *testing.T) {
	src := solidImage(2000, 1000, color.NRGBA{G: 255, A: 255})

	data, err := EncodeTransport(src, 1024)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Width)
	assert.Equal(t, 512, cfg.Height)

	thumb, err := Thumbnail(src, 256)
	require.NoError(t, err)
	cfg, err = jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 128, cfg.Height)

	small := solidImage(100, 50, color.White)
	data, err = EncodeTransport(small, 1024)
	require.NoError(t, err)
	cfg, err = jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
}

func TestEncodeFlattensTransparency(t *testing.T) {
	data, err := Thumbnail(solidImage(8, 8, color.NRGBA{}), 256)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := img.At(4, 4).RGBA()
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestExtractMetadata(t *testing.T) {
	dir := t.TempDir()

	t.Run("exif fields", func(t *testing.T) {
		path := writeFile(t, dir, "IMG_1.jpg", jpegWithExif(t, 16, 16, "Canon", 6))
		meta, err := ExtractMetadata(path)
		require.NoError(t, err)
		assert.Equal(t, "IMG_1.jpg", meta.Filename)
		assert.Equal(t, "jpeg", meta.Format)
		assert.Equal(t, "Canon", meta.CameraMake)
		assert.Equal(t, 6, meta.Orientation)
		assert.False(t, meta.IsRaw)
		assert.Greater(t, meta.FileSize, int64(0))
	})

	t.Run("no exif is not an error", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, solidImage(4, 4, color.Black)))
		meta, err := ExtractMetadata(writeFile(t, dir, "plain.png", buf.Bytes()))
		require.NoError(t, err)
		assert.Empty(t, meta.CameraMake)
		assert.Nil(t, meta.TakenAt)
		assert.Equal(t, int64(buf.Len()), meta.FileSize)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ExtractMetadata(filepath.Join(dir, "gone.jpg"))
		assert.Error(t, err)
	})

	t.Run("xmp keywords", func(t *testing.T) {
		data := append(jpegBytes(t, 8, 8), []byte(sampleXMP)...)
		meta, err := ExtractMetadata(writeFile(t, dir, "tagged.jpg", data))
		require.NoError(t, err)
		assert.Equal(t, []string{"beach", "sunset", "R&D"}, meta.Keywords)
	})

	t.Run("windows keywords", func(t *testing.T) {
		data := withSegment(t, 8, 8, xpKeywordsSegment("family;Zürich;family"))
		meta, err := ExtractMetadata(writeFile(t, dir, "xp.jpg", data))
		require.NoError(t, err)
		assert.Equal(t, []string{"family", "Zürich"}, meta.Keywords)
		assert.NotContains(t, meta.Extra, "XPKeywords")
	})

	t.Run("windows and xmp keywords merge", func(t *testing.T) {
		data := append(withSegment(t, 8, 8, xpKeywordsSegment("sunset;holiday")), []byte(sampleXMP)...)
		meta, err := ExtractMetadata(writeFile(t, dir, "both.jpg", data))
		require.NoError(t, err)
		assert.Equal(t, []string{"beach", "sunset", "R&D", "holiday"}, meta.Keywords)
	})
}

func TestDecodeXPKeywords(t *testing.T) {
	encode := func(s string, terminate bool) []byte {
		var out []byte
		for _, u := range utf16.Encode([]rune(s)) {
			out = binary.LittleEndian.AppendUint16(out, u)
		}
		if terminate {
			out = append(out, 0, 0)
		}
		return out
	}

	tests := []struct {
		name string
		raw  []byte
		want []string
	}{
		{"separated", encode("a;b;c", true), []string{"a", "b", "c"}},
		{"blank and repeated", encode(" a ; ;a;b", true), []string{"a", "b"}},
		{"unterminated", encode("cat;dog", false), []string{"cat", "dog"}},
		{"stops at nul", append(encode("kept", true), encode("junk", false)...), []string{"kept"}},
		{"non bmp", encode("🌅;sea", true), []string{"🌅", "sea"}},
		{"odd trailing byte", append(encode("x", false), 0x41), []string{"x"}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeXPKeywords(tt.raw))
		})
	}
}

const sampleXMP = `<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description xmlns:dc="http://purl.org/dc/elements/1.1/">
   <dc:subject>
    <rdf:Bag>
     <rdf:li>beach</rdf:li>
     <rdf:li>sunset</rdf:li>
     <rdf:li>beach</rdf:li>
     <rdf:li>R&amp;D</rdf:li>
     <rdf:li>  </rdf:li>
    </rdf:Bag>
   </dc:subject>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>`

func TestParseXMPKeywordsAbsent(t *testing.T) {
	assert.Nil(t, parseXMPKeywords([]byte("no packet")))
	assert.Nil(t, parseXMPKeywords([]byte(`<x:xmpmeta><rdf:RDF></rdf:RDF></x:xmpmeta>`)))
}
