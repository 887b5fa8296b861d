package dicom

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotDICOM is returned by ReadFile when the 128-byte preamble and
// "DICM" magic are absent.
var ErrNotDICOM = errors.New("dicom: not a DICOM file")

const preambleLen = 128

// IsDICOMFile is a cheap header probe: it checks for the 128-byte
// preamble followed by the "DICM" magic, the same check pydicom's
// is_dicom performs, without parsing any data elements.
func IsDICOMFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, preambleLen+4)
	n, err := io.ReadFull(f, buf)
	if err != nil || n != len(buf) {
		return false
	}
	return string(buf[preambleLen:]) == "DICM"
}

// ReadOptions controls how much of a file ReadFile decodes.
type ReadOptions struct {
	// StopBeforePixels halts parsing as soon as the PixelData element
	// (7FE0,0010) is reached, leaving it (and anything after it)
	// absent from the returned Dataset. Used for metadata-only reads
	// during classification, where pixel bytes are never needed.
	StopBeforePixels bool
}

// ReadFile parses file meta and the main dataset from a DICOM Part 10
// file.
func ReadFile(path string, opts ReadOptions) (FileMeta, *Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMeta{}, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	preamble := make([]byte, preambleLen+4)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return FileMeta{}, nil, ErrNotDICOM
	}
	if string(preamble[preambleLen:]) != "DICM" {
		return FileMeta{}, nil, ErrNotDICOM
	}

	// The first element of group 2 is always (0002,0000) Group Length,
	// a UL giving the exact byte count of the rest of the meta group.
	// Reading it first lets us bound a LimitReader around group 2 so
	// the transition into the main dataset (which may use a different
	// transfer syntax entirely) lands on the correct byte boundary.
	groupLenTag, _, groupLenValue, err := readExplicitElement(r)
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("dicom: reading file meta group length of %s: %w", path, err)
	}
	if groupLenTag != NewTag(0x0002, 0x0000) || len(groupLenValue) != 4 {
		return FileMeta{}, nil, fmt.Errorf("dicom: %s missing file meta group length", path)
	}
	groupLen := binary.LittleEndian.Uint32(groupLenValue)

	metaDS := NewDataset()
	metaReader := bufio.NewReader(io.LimitReader(r, int64(groupLen)))
	for {
		tag, vr, value, err := readExplicitElement(metaReader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return FileMeta{}, nil, fmt.Errorf("dicom: reading file meta of %s: %w", path, err)
		}
		metaDS.Set(tag, vr, value)
	}

	meta := FileMeta{
		MediaStorageSOPClassUID:    metaDS.GetString(TagMediaStorageSOPClassUID),
		MediaStorageSOPInstanceUID: metaDS.GetString(TagMediaStorageSOPInstanceUID),
		TransferSyntaxUID:          metaDS.GetString(TagTransferSyntaxUID),
		ImplementationClassUID:     metaDS.GetString(TagImplementationClassUID),
		ImplementationVersionName:  metaDS.GetString(TagImplementationVersionName),
	}

	implicit := meta.TransferSyntaxUID == ImplicitVRLittleEndian || meta.TransferSyntaxUID == ""

	ds := NewDataset()
	for {
		var tag Tag
		var vr string
		var value []byte
		var err error
		if implicit {
			tag, vr, value, err = readImplicitElement(r)
		} else {
			tag, vr, value, err = readExplicitElement(r)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return meta, ds, fmt.Errorf("dicom: reading dataset of %s: %w", path, err)
		}
		if opts.StopBeforePixels && tag == TagPixelData {
			break
		}
		if vr == "SQ" {
			// Sequences are skipped, not interpreted: nothing this
			// agent reads (Modality, NumberOfFrames, UIDs, pixel
			// geometry) lives inside one.
			continue
		}
		ds.Set(tag, vr, value)
	}

	return meta, ds, nil
}

// readExplicitElement reads one data element encoded per Explicit VR
// Little Endian. Sequence and undefined-length elements have their
// content consumed (and, for SQ, discarded) so the stream stays
// aligned for the next element.
func readExplicitElement(r *bufio.Reader) (Tag, string, []byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, "", nil, err
	}
	group := binary.LittleEndian.Uint16(hdr[0:2])
	elem := binary.LittleEndian.Uint16(hdr[2:4])
	tag := NewTag(group, elem)
	vr := string(hdr[4:6])

	var length uint32
	if isShortLengthVR(vr) {
		length = uint32(binary.LittleEndian.Uint16(hdr[6:8]))
	} else {
		// 2 reserved bytes already consumed as hdr[6:8]; read the
		// real 4-byte length.
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return 0, "", nil, err
		}
		length = binary.LittleEndian.Uint32(lenBuf)
	}

	if length == 0xFFFFFFFF {
		if err := skipUndefinedLength(r); err != nil {
			return 0, "", nil, err
		}
		return tag, vr, nil, nil
	}

	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, "", nil, err
	}
	return tag, vr, value, nil
}

// readImplicitElement reads one data element encoded per Implicit VR
// Little Endian: group, element, 4-byte length, value. The VR is
// inferred from the tag dictionary.
func readImplicitElement(r *bufio.Reader) (Tag, string, []byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, "", nil, err
	}
	group := binary.LittleEndian.Uint16(hdr[0:2])
	elem := binary.LittleEndian.Uint16(hdr[2:4])
	tag := NewTag(group, elem)
	length := binary.LittleEndian.Uint32(hdr[4:8])

	vr, known := vrDictionary[tag]
	if !known {
		vr = "UN"
	}

	if length == 0xFFFFFFFF {
		if err := skipUndefinedLength(r); err != nil {
			return 0, "", nil, err
		}
		return tag, vr, nil, nil
	}

	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, "", nil, err
	}
	return tag, vr, value, nil
}

// skipUndefinedLength consumes an undefined-length sequence or
// encapsulated pixel data element: a run of (FFFE,E000) items
// terminated by a (FFFE,E0DD) sequence delimiter, each item's content
// skipped by its own declared length.
func skipUndefinedLength(r *bufio.Reader) error {
	for {
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return err
		}
		group := binary.LittleEndian.Uint16(hdr[0:2])
		elem := binary.LittleEndian.Uint16(hdr[2:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		if group == 0xFFFE && elem == 0xE0DD {
			return nil // Sequence Delimitation Item
		}
		if group != 0xFFFE || elem != 0xE000 {
			return fmt.Errorf("dicom: expected item tag in undefined-length element, got (%04x,%04x)", group, elem)
		}
		if length == 0xFFFFFFFF {
			if err := skipUndefinedLength(r); err != nil {
				return err
			}
			continue
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return err
		}
	}
}
