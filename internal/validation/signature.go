package validation

import (
	"bytes"
	"strings"
)

// Format identifies one of the supported raster image formats. The set is
// closed: adding a format means adding a case here, its signature patterns,
// and an encoder in sanitize.go.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatWebP
	FormatTIFF
	FormatBMP
)

// segment is one byte pattern that must appear at a fixed offset.
type segment struct {
	offset  int
	pattern []byte
}

// alternative is a set of segments that must all match. A format matches when
// any of its alternatives matches.
type alternative []segment

type signatureDef struct {
	mime string
	ext  string
	alts []alternative
}

var signatures = map[Format]signatureDef{
	FormatJPEG: {
		mime: "image/jpeg",
		ext:  ".jpg",
		alts: []alternative{
			{{0, []byte{0xFF, 0xD8, 0xFF, 0xE0}}}, // JFIF
			{{0, []byte{0xFF, 0xD8, 0xFF, 0xE1}}}, // EXIF
			{{0, []byte{0xFF, 0xD8, 0xFF, 0xE2}}}, // ICC profile
			{{0, []byte{0xFF, 0xD8, 0xFF, 0xE8}}}, // SPIFF
			{{0, []byte{0xFF, 0xD8, 0xFF, 0xDB}}}, // bare SOI + quantization table
		},
	},
	FormatPNG: {
		mime: "image/png",
		ext:  ".png",
		alts: []alternative{
			{{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
		},
	},
	FormatGIF: {
		mime: "image/gif",
		ext:  ".gif",
		alts: []alternative{
			{{0, []byte("GIF87a")}},
			{{0, []byte("GIF89a")}},
		},
	},
	FormatWebP: {
		mime: "image/webp",
		ext:  ".webp",
		// RIFF container tag and WEBP codec tag are non-adjacent and must
		// both match.
		alts: []alternative{
			{
				{0, []byte("RIFF")},
				{8, []byte("WEBP")},
			},
		},
	},
	FormatTIFF: {
		mime: "image/tiff",
		ext:  ".tif",
		alts: []alternative{
			{{0, []byte{0x49, 0x49, 0x2A, 0x00}}}, // little endian
			{{0, []byte{0x4D, 0x4D, 0x00, 0x2A}}}, // big endian
		},
	},
	FormatBMP: {
		mime: "image/bmp",
		ext:  ".bmp",
		alts: []alternative{
			{{0, []byte("BM")}},
		},
	},
}

// detectionOrder fixes the sniffing order so detection is deterministic.
var detectionOrder = []Format{
	FormatPNG, FormatJPEG, FormatGIF, FormatWebP, FormatTIFF, FormatBMP,
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatWebP:
		return "webp"
	case FormatTIFF:
		return "tiff"
	case FormatBMP:
		return "bmp"
	default:
		return "unknown"
	}
}

// MIME returns the canonical content type for the format, or empty for
// FormatUnknown.
func (f Format) MIME() string {
	return signatures[f].mime
}

// Extension returns the canonical file extension including the leading dot.
func (f Format) Extension() string {
	return signatures[f].ext
}

// Matches reports whether the buffer's bytes satisfy one of the format's
// signature alternatives.
func (f Format) Matches(buf []byte) bool {
	def, ok := signatures[f]
	if !ok {
		return false
	}
	for _, alt := range def.alts {
		if matchAlternative(buf, alt) {
			return true
		}
	}
	return false
}

func matchAlternative(buf []byte, alt alternative) bool {
	for _, seg := range alt {
		end := seg.offset + len(seg.pattern)
		if end > len(buf) {
			return false
		}
		if !bytes.Equal(buf[seg.offset:end], seg.pattern) {
			return false
		}
	}
	return true
}

// DetectFormat sniffs the buffer's leading bytes and returns the format they
// imply, independent of any caller-supplied label.
func DetectFormat(buf []byte) Format {
	for _, f := range detectionOrder {
		if f.Matches(buf) {
			return f
		}
	}
	return FormatUnknown
}

// normalizeMIME lowercases, trims, drops parameters, and folds common
// aliases.
func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	switch mime {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-ms-bmp":
		return "image/bmp"
	}
	return mime
}

// FormatFromMIME maps a declared content type to its format. Common aliases
// are normalized; unknown types map to FormatUnknown.
func FormatFromMIME(mime string) Format {
	switch normalizeMIME(mime) {
	case "image/jpeg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/gif":
		return FormatGIF
	case "image/webp":
		return FormatWebP
	case "image/tiff":
		return FormatTIFF
	case "image/bmp":
		return FormatBMP
	default:
		return FormatUnknown
	}
}

// SupportedFormats returns every accepted format in detection order.
func SupportedFormats() []Format {
	out := make([]Format, len(detectionOrder))
	copy(out, detectionOrder)
	return out
}
