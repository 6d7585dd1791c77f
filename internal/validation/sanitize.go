package validation

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/text/unicode/norm"
)

// Sanitized is the canonical copy of an accepted upload: a fresh re-encode of
// the decoded pixels with all embedded metadata gone, plus a normalized
// collision-safe filename.
type Sanitized struct {
	Data     []byte
	Filename string
	Format   Format
}

// Sanitize decodes the verified image and re-encodes it into the format
// implied by the detected MIME, dropping every metadata segment. A decode or
// encode failure here is its own rejection error even though validation
// passed; this path never returns unsanitized bytes.
//
// WebP sources re-encode to PNG: there is no pure-Go WebP encoder, and PNG
// preserves the pixels losslessly.
func (v *Validator) Sanitize(c Candidate, report *Report) (*Sanitized, error) {
	if report == nil || !report.Accepted() {
		return nil, fmt.Errorf("sanitize called on a rejected candidate")
	}

	img, _, err := image.Decode(bytes.NewReader(c.Data))
	if err != nil {
		report.addError("sanitization failed: image could not be decoded")
		return nil, fmt.Errorf("sanitize decode: %w", err)
	}

	out := outputFormat(report.DetectedFormat)

	var buf bytes.Buffer
	switch out {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: v.limits.EncodeQuality})
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
	case FormatBMP:
		err = bmp.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = fmt.Errorf("no encoder for format %s", out)
	}
	if err != nil {
		report.addError("sanitization failed: image could not be re-encoded")
		return nil, fmt.Errorf("sanitize encode: %w", err)
	}

	return &Sanitized{
		Data:     buf.Bytes(),
		Filename: normalizeFilename(c.Filename, out, v.limits.MaxFilenameLen),
		Format:   out,
	}, nil
}

// outputFormat maps a detected source format to its sanitized encoding.
func outputFormat(f Format) Format {
	if f == FormatWebP {
		return FormatPNG
	}
	return f
}

// normalizeFilename reduces an arbitrary client filename to a bounded
// [A-Za-z0-9_-] base starting with an alphanumeric, with a random suffix for
// collision safety and the extension of the sanitized format.
func normalizeFilename(name string, format Format, maxLen int) string {
	base := strings.TrimSpace(name)
	// Only the final path element is the client's filename.
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}

	base = norm.NFKC.String(base)

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	base = b.String()

	// Must start with an alphanumeric.
	base = strings.TrimLeft(base, "_-")
	if base == "" {
		base = "image"
	}

	if maxLen <= 0 {
		maxLen = 48
	}
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return base + "-" + suffix + format.Extension()
}
