package dicom

import (
	"bufio"
	"encoding/binary"
	"os"
)

// WriteFile serializes meta and ds as a DICOM Part 10 file in Explicit
// VR Little Endian, the only transfer syntax this agent ever emits
// (spec.md §4.5).
func WriteFile(path string, meta FileMeta, ds *Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(make([]byte, preambleLen)); err != nil {
		return err
	}
	if _, err := w.WriteString("DICM"); err != nil {
		return err
	}

	metaDS := NewDataset()
	metaDS.SetString(TagMediaStorageSOPClassUID, "UI", meta.MediaStorageSOPClassUID)
	metaDS.SetString(TagMediaStorageSOPInstanceUID, "UI", meta.MediaStorageSOPInstanceUID)
	metaDS.SetString(TagTransferSyntaxUID, "UI", ExplicitVRLittleEndian)
	implClass := meta.ImplementationClassUID
	if implClass == "" {
		implClass = ImplementationClassUID
	}
	metaDS.SetString(TagImplementationClassUID, "UI", implClass)
	if meta.ImplementationVersionName != "" {
		metaDS.SetString(TagImplementationVersionName, "SH", meta.ImplementationVersionName)
	}

	metaBytes := encodeExplicitElements(metaDS)
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(metaBytes)))
	if err := writeExplicitElement(w, NewTag(0x0002, 0x0000), "UL", groupLen); err != nil {
		return err
	}
	if _, err := w.Write(metaBytes); err != nil {
		return err
	}

	for _, tag := range ds.SortedTags() {
		e, _ := ds.Get(tag)
		if err := writeExplicitElement(w, tag, e.VR, e.Value); err != nil {
			return err
		}
	}

	return w.Flush()
}

// encodeExplicitElements renders every element of ds as Explicit VR
// Little Endian bytes, in ascending tag order.
func encodeExplicitElements(ds *Dataset) []byte {
	var buf []byte
	for _, tag := range ds.SortedTags() {
		e, _ := ds.Get(tag)
		buf = appendExplicitElement(buf, tag, e.VR, e.Value)
	}
	return buf
}

func writeExplicitElement(w *bufio.Writer, tag Tag, vr string, value []byte) error {
	_, err := w.Write(appendExplicitElement(nil, tag, vr, value))
	return err
}

func appendExplicitElement(dst []byte, tag Tag, vr string, value []byte) []byte {
	value = padValue(vr, value)
	hdr := make([]byte, 2, 12)
	binary.LittleEndian.PutUint16(hdr[0:2], tag.Group())
	hdr = append(hdr, 0, 0)
	binary.LittleEndian.PutUint16(hdr[2:4], tag.Element())
	hdr = append(hdr[:4], vr...)
	if isShortLengthVR(vr) {
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(len(value)))
		hdr = append(hdr, lenBuf...)
	} else {
		hdr = append(hdr, 0, 0) // reserved
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(value)))
		hdr = append(hdr, lenBuf...)
	}
	dst = append(dst, hdr...)
	dst = append(dst, value...)
	return dst
}
