package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Variant describes one derived artifact: a bounding box the source is scaled
// into, the JPEG quality of the re-encode, and a storage tier hint.
type Variant struct {
	Name      string
	MaxWidth  int
	MaxHeight int
	Quality   int
	Tier      string
}

// DefaultVariants is the fixed variant table every accepted image is rendered
// into.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "thumbnail", MaxWidth: 300, MaxHeight: 300, Quality: 75, Tier: "hot"},
		{Name: "preview", MaxWidth: 800, MaxHeight: 600, Quality: 80, Tier: "hot"},
		{Name: "web", MaxWidth: 1200, MaxHeight: 1200, Quality: 85, Tier: "standard"},
	}
}

// VariantNames returns the names of the given variants in table order.
func VariantNames(variants []Variant) []string {
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	return names
}

// fitWithin scales (w, h) down to fit the bounding box, preserving aspect
// ratio. Sources already inside the box keep their size; variants never
// upscale.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}

	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	outW := int(float64(w) * scale)
	outH := int(float64(h) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

// renderVariant scales the decoded source into the variant's bounding box and
// re-encodes it as JPEG at the variant's quality.
func renderVariant(src image.Image, v Variant) ([]byte, error) {
	bounds := src.Bounds()
	outW, outH := fitWithin(bounds.Dx(), bounds.Dy(), v.MaxWidth, v.MaxHeight)

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: v.Quality}); err != nil {
		return nil, fmt.Errorf("encode %s variant: %w", v.Name, err)
	}
	return buf.Bytes(), nil
}
