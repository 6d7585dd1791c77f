package validation

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Candidate is one unvalidated upload: the raw bytes plus whatever the client
// declared about them. It is consumed once and discarded.
type Candidate struct {
	Data         []byte
	Filename     string
	DeclaredMIME string
	DeclaredSize int64
}

// Limits carries every tunable bound of the validator. Values are plain data;
// a Validator never mutates them, so one Limits value can back any number of
// concurrent validations.
type Limits struct {
	MinSizeBytes        int64
	MaxSizeBytes        int64
	MinDimension        int
	MaxDimension        int
	MaxAspectRatio      float64
	MinAspectRatio      float64
	MaxMetadataTags     int
	MaxMetadataFieldLen int
	ScanPrefixBytes     int
	MaxFilenameLen      int
	EncodeQuality       int
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		MinSizeBytes:        1 << 10,  // 1 KiB
		MaxSizeBytes:        50 << 20, // 50 MiB
		MinDimension:        32,
		MaxDimension:        10000,
		MaxAspectRatio:      20.0,
		MinAspectRatio:      0.05,
		MaxMetadataTags:     100,
		MaxMetadataFieldLen: 1000,
		ScanPrefixBytes:     10 << 10, // 10 KiB
		MaxFilenameLen:      48,
		EncodeQuality:       85,
	}
}

// deniedExtensions blocks executable, script, and active-markup suffixes
// outright, regardless of content.
var deniedExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".com": {}, ".scr": {}, ".msi": {},
	".bat": {}, ".cmd": {}, ".sh": {}, ".ps1": {}, ".vbs": {},
	".php": {}, ".py": {}, ".rb": {}, ".pl": {}, ".js": {}, ".jar": {},
	".asp": {}, ".aspx": {}, ".jsp": {}, ".cgi": {},
	".html": {}, ".htm": {}, ".xhtml": {}, ".svg": {}, ".xml": {},
}

// acceptedExtensions is the raster-image suffix allow-list.
var acceptedExtensions = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".webp": FormatWebP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".bmp":  FormatBMP,
}

// activeContentMarkers are scanned case-insensitively in the buffer prefix.
// Any hit is a hard rejection.
var activeContentMarkers = []string{
	"<script",
	"javascript:",
	"eval(",
	"exec(",
	"<iframe",
	"<object",
	"<embed",
}

// polyglotMarkers are foreign-format magic strings whose presence inside an
// image buffer suggests a multi-format polyglot file. Kept as a slice so the
// warnings come out in a stable order.
var polyglotMarkers = []struct {
	marker string
	name   string
}{
	{"GIF87a", "gif"},
	{"GIF89a", "gif"},
	{"\x89PNG", "png"},
	{"%PDF-", "pdf"},
	{"PK\x03\x04", "zip"},
}

// Validator inspects upload candidates. It performs no I/O and keeps no
// mutable state, so a single instance is safe for concurrent use.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator with the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the validator's configured bounds.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate runs the full inspection pipeline against one candidate. Only a
// missing or unreadable buffer short-circuits; every other check runs and
// accumulates into the same report so a bad file surfaces all of its
// diagnostics at once.
func (v *Validator) Validate(c Candidate) *Report {
	report := &Report{}

	// 1. Existence. Nothing else is meaningful without bytes.
	if len(c.Data) == 0 {
		report.addError("file is empty or unreadable")
		return report
	}

	v.checkSize(c, report)
	v.checkExtension(c, report)
	detected := v.checkDeclaredMIME(c, report)
	v.checkSignature(c, detected, report)
	v.checkDimensions(c, report)
	v.checkMetadata(c, report)
	v.scanContent(c, report)
	v.scanPolyglot(c, report)

	return report
}

// 2. Size bounds.
func (v *Validator) checkSize(c Candidate, report *Report) {
	size := int64(len(c.Data))
	if size < v.limits.MinSizeBytes {
		report.addError(fmt.Sprintf("file size %d bytes is below the %d byte minimum", size, v.limits.MinSizeBytes))
	}
	if size > v.limits.MaxSizeBytes {
		report.addError(fmt.Sprintf("file size %d bytes exceeds the %d byte maximum", size, v.limits.MaxSizeBytes))
	}
}

// 3. Extension policy.
func (v *Validator) checkExtension(c Candidate, report *Report) {
	name := strings.ToLower(strings.TrimSpace(c.Filename))
	ext := filepath.Ext(name)

	if _, denied := deniedExtensions[ext]; denied {
		report.addError(fmt.Sprintf("file extension %q is not allowed", ext))
	} else if _, ok := acceptedExtensions[ext]; !ok {
		report.addError(fmt.Sprintf("file extension %q is not an accepted image type", ext))
	}
	if strings.Count(name, ".") > 1 {
		report.addWarning("filename contains multiple dots (possible double extension)")
	}
}

// 4. Declared MIME allow-list plus declared/detected cross-check.
func (v *Validator) checkDeclaredMIME(c Candidate, report *Report) Format {
	declared := FormatFromMIME(c.DeclaredMIME)
	if declared == FormatUnknown {
		report.addError(fmt.Sprintf("declared content type %q is not an accepted image type", c.DeclaredMIME))
	}

	detected := DetectFormat(c.Data)
	report.DetectedFormat = detected

	// A mismatch alone is a warning, not fatal: some clients mislabel
	// correctly-formed files.
	if declared != FormatUnknown && detected != FormatUnknown && declared != detected {
		report.addWarning(fmt.Sprintf("declared content type %q does not match detected format %q", c.DeclaredMIME, detected.MIME()))
	}

	return detected
}

// 5. Signature verification. The primary defense against payloads merely
// renamed to look like images.
func (v *Validator) checkSignature(c Candidate, detected Format, report *Report) {
	if detected == FormatUnknown {
		report.addError("file signature does not match any accepted image format")
		return
	}

	declared := FormatFromMIME(c.DeclaredMIME)
	if declared != FormatUnknown && !declared.Matches(c.Data) {
		report.addError("file signature does not match declared type")
	}
}

// 6. Dimension bounds, when the buffer decodes at all.
func (v *Validator) checkDimensions(c Candidate, report *Report) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(c.Data))
	if err != nil {
		report.addWarning("image header could not be decoded; dimensions unverified")
		return
	}

	report.Width = cfg.Width
	report.Height = cfg.Height

	if cfg.Width > v.limits.MaxDimension || cfg.Height > v.limits.MaxDimension {
		report.addError(fmt.Sprintf("image dimensions %dx%d exceed the %d px maximum", cfg.Width, cfg.Height, v.limits.MaxDimension))
	}
	if cfg.Width < v.limits.MinDimension || cfg.Height < v.limits.MinDimension {
		report.addError(fmt.Sprintf("image dimensions %dx%d are below the %d px minimum", cfg.Width, cfg.Height, v.limits.MinDimension))
	}

	if cfg.Height > 0 {
		ratio := float64(cfg.Width) / float64(cfg.Height)
		if ratio > v.limits.MaxAspectRatio || ratio < v.limits.MinAspectRatio {
			report.addWarning(fmt.Sprintf("unusual aspect ratio %.2f", ratio))
		}
	}
}

// 7. Metadata heuristics. Oversized metadata is a payload-hiding signal, not
// proof, so everything here is a warning.
func (v *Validator) checkMetadata(c Candidate, report *Report) {
	stats, err := inspectMetadata(report.DetectedFormat, c.Data, v.limits.MaxMetadataFieldLen)
	if err != nil {
		report.addWarning("metadata could not be parsed (corrupted or malformed)")
		return
	}

	if stats.tagCount > v.limits.MaxMetadataTags {
		report.addWarning(fmt.Sprintf("metadata tag count %d exceeds threshold %d", stats.tagCount, v.limits.MaxMetadataTags))
	}
	if stats.longFields > 0 {
		report.addWarning(fmt.Sprintf("%d metadata field(s) exceed %d characters", stats.longFields, v.limits.MaxMetadataFieldLen))
	}
}

// 8. Content pattern scan over a bounded prefix. Any hit is an error: active
// content inside an image upload is the strongest signal of intentional
// abuse.
func (v *Validator) scanContent(c Candidate, report *Report) {
	prefix := strings.ToLower(string(v.prefix(c.Data)))

	for _, marker := range activeContentMarkers {
		if strings.Contains(prefix, marker) {
			report.addError(fmt.Sprintf("active content marker %q found in file", marker))
		}
	}

	// data: URIs with base64 payloads smuggle arbitrary content.
	if idx := strings.Index(prefix, "data:"); idx >= 0 && strings.Contains(prefix[idx:], ";base64") {
		report.addError("base64 data URI found in file")
	}
}

// 9. Polyglot marker check.
func (v *Validator) scanPolyglot(c Candidate, report *Report) {
	prefix := string(v.prefix(c.Data))

	for _, m := range polyglotMarkers {
		idx := strings.Index(prefix, m.marker)
		if idx < 0 {
			continue
		}
		// The marker at offset 0 is just the file's own signature.
		if idx == 0 && FormatFromMIME("image/"+m.name) == report.DetectedFormat {
			continue
		}
		report.addWarning(fmt.Sprintf("foreign %s marker found at offset %d (possible polyglot file)", m.name, idx))
	}
}

func (v *Validator) prefix(data []byte) []byte {
	n := v.limits.ScanPrefixBytes
	if n <= 0 || n > len(data) {
		n = len(data)
	}
	return data[:n]
}
