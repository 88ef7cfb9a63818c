package photo

import (
	"path/filepath"
	"sort"
	"strings"
)

var standardFormats = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
	".bmp":  "bmp",
	".tif":  "tiff",
	".tiff": "tiff",
	".webp": "webp",
}

var rawFormats = map[string]string{
	".dng": "dng",
	".cr2": "cr2",
	".nef": "nef",
	".arw": "arw",
	".rw2": "rw2",
	".orf": "orf",
}

// FormatOf returns the normalized format name of a path and whether it is camera RAW.
// ok is false for unsupported extensions.
func FormatOf(path string) (format string, raw bool, ok bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, found := standardFormats[ext]; found {
		return f, false, true
	}
	if f, found := rawFormats[ext]; found {
		return f, true, true
	}
	return "", false, false
}

// IsSupported reports whether the scanner should pick up path.
func IsSupported(path string) bool {
	_, _, ok := FormatOf(path)
	return ok
}

// SupportedExtensions lists every accepted extension, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(standardFormats)+len(rawFormats))
	for ext := range standardFormats {
		exts = append(exts, ext)
	}
	for ext := range rawFormats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
