package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

// LangEnglishUS is the language id most devices report first.
const LangEnglishUS uint16 = 0x0409

// maxStringUnits is the most UTF-16 units a one-byte bLength can describe.
const maxStringUnits = (0xff - 2) / 2

// StringDescriptor encodes a string as a UTF-16LE string descriptor.
type StringDescriptor string

func (s StringDescriptor) Bytes(limit int) []byte {
	units := utf16.Encode([]rune(string(s)))
	if len(units) > maxStringUnits {
		units = units[:maxStringUnits]
	}
	b := make([]byte, 2, 2+2*len(units))
	b[0] = uint8(2 + 2*len(units))
	b[1] = StringDescType
	for _, u := range units {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return capLength(b, limit)
}

// String0 is the string descriptor at index 0, listing supported language ids.
type String0 []uint16

func (l String0) Bytes(limit int) []byte {
	if len(l) > maxStringUnits {
		l = l[:maxStringUnits]
	}
	b := make([]byte, 2, 2+2*len(l))
	b[0] = uint8(2 + 2*len(l))
	b[1] = StringDescType
	for _, lang := range l {
		b = binary.LittleEndian.AppendUint16(b, lang)
	}
	return capLength(b, limit)
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
func EncodeStringDescriptor(s string) []byte {
	return StringDescriptor(s).Bytes(NoLimit)
}

// DecodeStringDescriptor extracts the text of a string descriptor. The
// payload is bounded by both bLength and the buffer; a trailing odd byte is
// dropped.
func DecodeStringDescriptor(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	end := int(b[0])
	if end > len(b) {
		end = len(b)
	}
	if end < 2 {
		return ""
	}
	payload := b[2:end]
	units := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(payload[i:]))
	}
	return string(utf16.Decode(units))
}

// DecodeLanguages extracts the language ids from a String0 descriptor.
func DecodeLanguages(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	end := int(b[0])
	if end > len(b) {
		end = len(b)
	}
	var langs []uint16
	for i := 2; i+1 < end; i += 2 {
		langs = append(langs, binary.LittleEndian.Uint16(b[i:]))
	}
	return langs
}
