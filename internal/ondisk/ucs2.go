package ondisk

import (
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ucs2Decoder transcodes little-endian UCS-2 (BMP-only, as FAT LFN entries
// are defined) into UTF-8. FAT never emits surrogate pairs, but the
// UTF16 codec tolerates them harmlessly if a malformed image contains one.
var ucs2Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// UCS2ToUTF8 decodes a sequence of little-endian UCS-2 code units
// (already stripped of 0xFFFF padding and the terminating 0x0000, if
// any) into a UTF-8 string.
func UCS2ToUTF8(units []uint16) (string, error) {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		raw[2*i] = byte(u)
		raw[2*i+1] = byte(u >> 8)
	}
	out, _, err := transform.Bytes(ucs2Decoder, raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ucs2Encoder is the inverse codec, used by UTF8ToUCS2 when the convert
// traversal turns the UTF-8 names the FAT reader decoded back into the
// raw UCS-2 units it archives.
var ucs2Encoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

// UTF8ToUCS2 encodes s (BMP-only) into little-endian UCS-2 code units.
func UTF8ToUCS2(s string) ([]uint16, error) {
	raw, _, err := transform.Bytes(ucs2Encoder, []byte(s))
	if err != nil {
		return nil, err
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return units, nil
}
