package validation

import (
	"bytes"
	"strings"
	"testing"
)

func TestSanitizeStripsMetadata(t *testing.T) {
	v := NewValidator(DefaultLimits())

	data := appendPNGTextChunk(t, encodePNG(t, 128, 128), "Copyright", "someone")
	candidate := Candidate{
		Data:         data,
		Filename:     "tagged.png",
		DeclaredMIME: "image/png",
	}

	report := v.Validate(candidate)
	if !report.Accepted() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	sanitized, err := v.Sanitize(candidate, report)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Format != FormatPNG {
		t.Fatalf("format=%s, want png", sanitized.Format)
	}

	stats, walkErr := inspectMetadata(FormatPNG, sanitized.Data, v.limits.MaxMetadataFieldLen)
	if walkErr != nil {
		t.Fatalf("inspect sanitized output: %v", walkErr)
	}
	if stats.tagCount != 0 {
		t.Fatalf("sanitized output still carries %d metadata tags", stats.tagCount)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	v := NewValidator(DefaultLimits())

	candidate := Candidate{
		Data:         encodePNG(t, 256, 256),
		Filename:     "clean.png",
		DeclaredMIME: "image/png",
	}
	report := v.Validate(candidate)
	sanitized, err := v.Sanitize(candidate, report)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	// A sanitized stream must re-validate with no metadata-related warnings.
	second := Candidate{
		Data:         sanitized.Data,
		Filename:     sanitized.Filename,
		DeclaredMIME: sanitized.Format.MIME(),
	}
	report2 := v.Validate(second)
	if !report2.Accepted() {
		t.Fatalf("re-validation errors: %v", report2.Errors)
	}
	for _, w := range report2.Warnings {
		if strings.Contains(w, "metadata") {
			t.Fatalf("metadata warning after sanitization: %s", w)
		}
	}
}

func TestSanitizeJPEGDropsComment(t *testing.T) {
	v := NewValidator(DefaultLimits())

	base := encodeJPEG(t, 256, 256)

	// Splice a COM segment after the leading APP0 so the JFIF signature
	// stays intact. The APP0 length field includes itself.
	insert := 4 + int(base[4])<<8 + int(base[5])
	comment := []byte("a suspiciously long comment")
	seg := []byte{0xFF, 0xFE, byte((len(comment) + 2) >> 8), byte(len(comment) + 2)}
	seg = append(seg, comment...)
	data := append(append(append([]byte{}, base[:insert]...), seg...), base[insert:]...)

	candidate := Candidate{Data: data, Filename: "commented.jpg", DeclaredMIME: "image/jpeg"}
	report := v.Validate(candidate)
	if !report.Accepted() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	before, err := inspectMetadata(FormatJPEG, data, v.limits.MaxMetadataFieldLen)
	if err != nil {
		t.Fatalf("inspect input: %v", err)
	}
	if before.tagCount == 0 {
		t.Fatalf("expected the spliced comment to count as metadata")
	}

	sanitized, err := v.Sanitize(candidate, report)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	after, err := inspectMetadata(FormatJPEG, sanitized.Data, v.limits.MaxMetadataFieldLen)
	if err != nil {
		t.Fatalf("inspect output: %v", err)
	}
	if after.tagCount != 0 {
		t.Fatalf("sanitized jpeg still carries %d metadata tags", after.tagCount)
	}
}

func TestSanitizeRejectedCandidateRefused(t *testing.T) {
	v := NewValidator(DefaultLimits())

	report := &Report{}
	report.addError("rejected")
	if _, err := v.Sanitize(Candidate{Data: []byte("x")}, report); err == nil {
		t.Fatalf("expected error sanitizing rejected candidate")
	}
}

func TestSanitizeUndecodableFails(t *testing.T) {
	v := NewValidator(DefaultLimits())

	// Valid PNG signature but garbage after it: validation may pass the
	// signature check, sanitization must fail and must report it.
	data := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0xAB}, 2048)...)
	report := &Report{DetectedFormat: FormatPNG}

	_, err := v.Sanitize(Candidate{Data: data, Filename: "broken.png"}, report)
	if err == nil {
		t.Fatalf("expected sanitize failure")
	}
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "sanitization failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("sanitization failure not recorded in report: %v", report.Errors)
	}
}

func TestNormalizeFilename(t *testing.T) {
	cases := []struct {
		in     string
		prefix string
	}{
		{"../../etc/passwd", "passwd-"},
		{`C:\Users\me\holiday pic.PNG`, "holidaypic-"},
		{"my photo (1).PNG", "myphoto1-"},
		{"___weird---name.png", "weird---name-"},
		{"....", "image-"},
		{"", "image-"},
	}

	for _, tc := range cases {
		got := normalizeFilename(tc.in, FormatPNG, 48)
		if !strings.HasPrefix(got, tc.prefix) {
			t.Errorf("normalizeFilename(%q)=%q, want prefix %q", tc.in, got, tc.prefix)
		}
		if !strings.HasSuffix(got, ".png") {
			t.Errorf("normalizeFilename(%q)=%q, want .png suffix", tc.in, got)
		}
	}
}

func TestNormalizeFilenameTruncates(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := normalizeFilename(long+".png", FormatPNG, 48)

	base := strings.TrimSuffix(got, ".png")
	// base is truncated name + "-" + 8 char suffix
	if len(base) > 48+1+8 {
		t.Fatalf("normalized base too long: %d chars", len(base))
	}
}

func TestNormalizeFilenameCollisionSafe(t *testing.T) {
	a := normalizeFilename("photo.png", FormatPNG, 48)
	b := normalizeFilename("photo.png", FormatPNG, 48)
	if a == b {
		t.Fatalf("expected distinct names for identical inputs, got %q twice", a)
	}
}
