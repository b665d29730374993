package term

import "golang.org/x/text/encoding/charmap"

// DecodeCP437 converts raw board bytes to Unicode. Bytes below 0x80 pass
// through as ASCII, which keeps escape sequences intact; the high half maps
// to the box-drawing and symbol glyphs boards actually use.
func DecodeCP437(data []byte) string {
	runes := make([]rune, 0, len(data))
	for _, b := range data {
		if b < 0x80 {
			runes = append(runes, rune(b))
			continue
		}
		runes = append(runes, charmap.CodePage437.DecodeByte(b))
	}
	return string(runes)
}
