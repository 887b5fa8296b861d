package dicom

// Standard UIDs this package writes or recognizes. Naming follows the
// style of the constants other DICOM tooling in the ecosystem exposes
// (e.g. crgodicom's internal/pacs package), trimmed to the handful
// this agent actually emits or reads.
const (
	ExplicitVRLittleEndian       = "1.2.840.10008.1.2.1"
	ImplicitVRLittleEndian       = "1.2.840.10008.1.2"
	EncapsulatedPDFStorage       = "1.2.840.10008.5.1.4.1.1.104.1"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"
	// ImplementationClassUID identifies this codebase as the DICOM
	// "implementation" that produced a file, the same role
	// PYDICOM_IMPLEMENTATION_UID plays for pydicom-authored files.
	ImplementationClassUID = "2.25.1.2.840.10008.5.1.4.1.1.9999"
)

// FileMeta holds the group-2 "file meta information" elements that
// precede every DICOM Part 10 file on disk.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
}

// NewFileMeta builds file meta for a dataset about to be written in
// Explicit VR Little Endian.
func NewFileMeta(sopClassUID, sopInstanceUID string) FileMeta {
	return FileMeta{
		MediaStorageSOPClassUID:    sopClassUID,
		MediaStorageSOPInstanceUID: sopInstanceUID,
		TransferSyntaxUID:          ExplicitVRLittleEndian,
		ImplementationClassUID:     ImplementationClassUID,
	}
}
