package validation

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// metadataStats summarizes the embedded metadata of a buffer without fully
// parsing it. tagCount is a coarse count of metadata carriers (EXIF IFD
// entries, APP segments, text chunks); longFields counts free-text fields
// whose length exceeds the caller's threshold.
type metadataStats struct {
	tagCount   int
	longFields int
}

var errMalformedMetadata = errors.New("malformed metadata")

// inspectMetadata walks the container structure of formats we understand.
// Formats without a walk return zero stats: absence of evidence is not a
// warning.
func inspectMetadata(format Format, data []byte, maxFieldLen int) (metadataStats, error) {
	switch format {
	case FormatJPEG:
		return inspectJPEG(data, maxFieldLen)
	case FormatPNG:
		return inspectPNG(data, maxFieldLen)
	default:
		return metadataStats{}, nil
	}
}

// inspectJPEG walks JPEG marker segments up to start-of-scan. APP1 EXIF
// payloads contribute their IFD0 entry count; comment segments are checked
// for oversized free text. The APP0 JFIF header every encoder writes does
// not count as metadata.
func inspectJPEG(data []byte, maxFieldLen int) (metadataStats, error) {
	var stats metadataStats

	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return stats, errMalformedMetadata
	}

	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return stats, errMalformedMetadata
		}
		marker := data[pos+1]

		// Standalone markers carry no length.
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			pos += 2
			continue
		}
		// Start of scan: entropy-coded data follows, metadata is done.
		if marker == 0xDA {
			break
		}

		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return stats, errMalformedMetadata
		}
		payload := data[pos+4 : pos+2+segLen]

		switch {
		case marker == 0xE1 && bytes.HasPrefix(payload, []byte("Exif\x00\x00")):
			stats.tagCount += exifEntryCount(payload[6:])
		case marker == 0xFE: // COM
			stats.tagCount++
			if len(payload) > maxFieldLen {
				stats.longFields++
			}
		case marker >= 0xE1 && marker <= 0xEF: // other APPn
			stats.tagCount++
		}

		pos += 2 + segLen
	}

	return stats, nil
}

// exifEntryCount reads the IFD0 entry count from a TIFF header block,
// following the chain of linked IFDs. It deliberately does not decode entry
// values.
func exifEntryCount(tiff []byte) int {
	if len(tiff) < 8 {
		return 0
	}

	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return 0
	}

	total := 0
	offset := int(order.Uint32(tiff[4:8]))

	// Bounded IFD chain walk; a crafted file could loop offsets.
	for hops := 0; hops < 8; hops++ {
		if offset <= 0 || offset+2 > len(tiff) {
			break
		}
		count := int(order.Uint16(tiff[offset : offset+2]))
		total += count

		next := offset + 2 + count*12
		if next+4 > len(tiff) {
			break
		}
		offset = int(order.Uint32(tiff[next : next+4]))
	}

	return total
}

// inspectPNG walks PNG chunks, counting textual metadata chunks and checking
// their payload sizes.
func inspectPNG(data []byte, maxFieldLen int) (metadataStats, error) {
	var stats metadataStats

	if len(data) < 8 {
		return stats, errMalformedMetadata
	}

	pos := 8
	for pos+8 <= len(data) {
		chunkLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])

		if chunkLen < 0 || pos+12+chunkLen > len(data) {
			return stats, errMalformedMetadata
		}

		switch chunkType {
		case "tEXt", "zTXt", "iTXt":
			stats.tagCount++
			if chunkLen > maxFieldLen {
				stats.longFields++
			}
		case "eXIf":
			stats.tagCount += exifEntryCount(data[pos+8 : pos+8+chunkLen])
		case "IEND":
			return stats, nil
		}

		pos += 12 + chunkLen
	}

	return stats, nil
}
