// Package dicom implements the minimal subset of the DICOM file format
// needed to read case metadata and emit PACS-ready instances: Explicit
// VR Little Endian encoding, file-meta parsing, and a small tag
// dictionary. It is not a conformance-level DICOM toolkit.
package dicom

// Tag identifies a DICOM data element by its (group, element) pair,
// packed as group<<16|element so Tags sort in the element order the
// standard requires a dataset to be written in.
type Tag uint32

func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

func (t Tag) Group() uint16   { return uint16(t >> 16) }
func (t Tag) Element() uint16 { return uint16(t & 0xffff) }

// File Meta Information group (0002,xxxx).
var (
	TagFileMetaInformationVersion = NewTag(0x0002, 0x0001)
	TagMediaStorageSOPClassUID    = NewTag(0x0002, 0x0002)
	TagMediaStorageSOPInstanceUID = NewTag(0x0002, 0x0003)
	TagTransferSyntaxUID          = NewTag(0x0002, 0x0010)
	TagImplementationClassUID     = NewTag(0x0002, 0x0012)
	TagImplementationVersionName  = NewTag(0x0002, 0x0013)
)

// Dataset tags used by the classifier and transformer.
var (
	TagSOPClassUID            = NewTag(0x0008, 0x0016)
	TagSOPInstanceUID         = NewTag(0x0008, 0x0018)
	TagStudyDate              = NewTag(0x0008, 0x0020)
	TagStudyTime              = NewTag(0x0008, 0x0030)
	TagContentDate            = NewTag(0x0008, 0x0023)
	TagContentTime            = NewTag(0x0008, 0x0033)
	TagAccessionNumber        = NewTag(0x0008, 0x0050)
	TagModality               = NewTag(0x0008, 0x0060)
	TagInstitutionName        = NewTag(0x0008, 0x0080)
	TagStudyDescription       = NewTag(0x0008, 0x1030)
	TagPatientName            = NewTag(0x0010, 0x0010)
	TagPatientID              = NewTag(0x0010, 0x0020)
	TagPatientBirthDate       = NewTag(0x0010, 0x0030)
	TagPatientSex             = NewTag(0x0010, 0x0040)
	TagStudyInstanceUID       = NewTag(0x0020, 0x000D)
	TagSeriesInstanceUID      = NewTag(0x0020, 0x000E)
	TagSeriesNumber           = NewTag(0x0020, 0x0011)
	TagInstanceNumber         = NewTag(0x0020, 0x0013)
	TagSamplesPerPixel        = NewTag(0x0028, 0x0002)
	TagPhotometricInterp      = NewTag(0x0028, 0x0004)
	TagPlanarConfiguration    = NewTag(0x0028, 0x0006)
	TagNumberOfFrames         = NewTag(0x0028, 0x0008)
	TagRows                   = NewTag(0x0028, 0x0010)
	TagColumns                = NewTag(0x0028, 0x0011)
	TagBitsAllocated          = NewTag(0x0028, 0x0100)
	TagBitsStored             = NewTag(0x0028, 0x0101)
	TagHighBit                = NewTag(0x0028, 0x0102)
	TagPixelRepresentation    = NewTag(0x0028, 0x0103)
	TagPixelData              = NewTag(0x7FE0, 0x0010)
	TagMIMETypeOfEncapDoc     = NewTag(0x0042, 0x0012)
	TagEncapsulatedDocument   = NewTag(0x0042, 0x0011)
	TagPerFrameFunctionGroups = NewTag(0x5200, 0x9230)
)

// vrDictionary covers every tag this package reads or writes, for
// Implicit VR Little Endian decoding where the VR is not present on
// the wire. Tags absent from this table are stored as VR "UN" and
// left as opaque bytes.
var vrDictionary = map[Tag]string{
	TagFileMetaInformationVersion: "OB",
	TagMediaStorageSOPClassUID:    "UI",
	TagMediaStorageSOPInstanceUID: "UI",
	TagTransferSyntaxUID:          "UI",
	TagImplementationClassUID:     "UI",
	TagImplementationVersionName:  "SH",
	TagSOPClassUID:                "UI",
	TagSOPInstanceUID:             "UI",
	TagStudyDate:                  "DA",
	TagStudyTime:                  "TM",
	TagContentDate:                "DA",
	TagContentTime:                "TM",
	TagAccessionNumber:            "SH",
	TagModality:                   "CS",
	TagInstitutionName:            "LO",
	TagStudyDescription:           "LO",
	TagPatientName:                "PN",
	TagPatientID:                  "LO",
	TagPatientBirthDate:           "DA",
	TagPatientSex:                 "CS",
	TagStudyInstanceUID:           "UI",
	TagSeriesInstanceUID:          "UI",
	TagSeriesNumber:               "IS",
	TagInstanceNumber:             "IS",
	TagSamplesPerPixel:            "US",
	TagPhotometricInterp:          "CS",
	TagPlanarConfiguration:        "US",
	TagNumberOfFrames:             "IS",
	TagRows:                       "US",
	TagColumns:                    "US",
	TagBitsAllocated:              "US",
	TagBitsStored:                 "US",
	TagHighBit:                    "US",
	TagPixelRepresentation:        "US",
	TagPixelData:                  "OW",
	TagMIMETypeOfEncapDoc:         "LO",
	TagEncapsulatedDocument:       "OB",
	TagPerFrameFunctionGroups:     "SQ",
}
