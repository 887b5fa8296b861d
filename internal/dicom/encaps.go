package dicom

import "encoding/binary"

var itemTag = NewTag(0xFFFE, 0xE000)

// EncapsulateFragments wraps one or more byte fragments in the
// Basic-Offset-Table-then-items container the standard uses for
// encapsulated OB data (compressed pixel data, and, as here, a
// foreign-format document carried in EncapsulatedDocument). The Basic
// Offset Table item is left empty, matching pydicom's encapsulate()
// for a single fragment with no index.
func EncapsulateFragments(fragments [][]byte) []byte {
	out := make([]byte, 0, 8)
	out = appendItem(out, nil) // empty Basic Offset Table
	for _, f := range fragments {
		out = appendItem(out, f)
	}
	return out
}

func appendItem(dst []byte, data []byte) []byte {
	data = padValue("OB", data)
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint16(hdr[0:2], itemTag.Group())
	binary.LittleEndian.PutUint16(hdr[2:4], itemTag.Element())
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	dst = append(dst, hdr...)
	dst = append(dst, data...)
	return dst
}
