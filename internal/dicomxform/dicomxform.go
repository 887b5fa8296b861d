// Package dicomxform builds the normalized PACS-ready DICOM instances
// the stager emits into Orthanc/, per spec.md §4.5.
//
// Grounded on original_source/services/folder_monitor.py's
// _create_pdf_dicom, _create_image_dicom, and
// _convert_multi_file_to_multiframe, rewritten over internal/dicom and
// internal/rasterimage instead of pydicom.
package dicomxform

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dentscan/agent/internal/caseclassifier"
	"github.com/dentscan/agent/internal/dicom"
	"github.com/dentscan/agent/internal/rasterimage"
)

// StudyFields are the study/patient-identifying tags every emitted
// instance copies from the case's studyInfo when present.
type StudyFields struct {
	StudyInstanceUID string
	AccessionNumber  string
	StudyDescription string
	StudyDate        string
	StudyTime        string
	PatientName      string
	PatientID        string
	PatientBirthDate string
	PatientSex       string
}

func fieldsFrom(info *caseclassifier.StudyInfo) StudyFields {
	if info == nil {
		return StudyFields{}
	}
	return StudyFields{
		StudyInstanceUID: info.StudyInstanceUID,
		AccessionNumber:  info.AccessionNumber,
		StudyDescription: info.StudyDescription,
		StudyDate:        info.StudyDate,
		StudyTime:        info.StudyTime,
		PatientName:      info.PatientName,
		PatientID:        info.PatientID,
		PatientBirthDate: info.PatientBirthDate,
		PatientSex:       info.PatientSex,
	}
}

func applyStudyFields(ds *dicom.Dataset, f StudyFields, caseName, institutionName string) {
	if f.StudyInstanceUID != "" {
		ds.SetString(dicom.TagStudyInstanceUID, "UI", f.StudyInstanceUID)
	}
	if f.AccessionNumber != "" {
		ds.SetString(dicom.TagAccessionNumber, "SH", f.AccessionNumber)
	}
	if f.StudyDescription != "" {
		ds.SetString(dicom.TagStudyDescription, "LO", f.StudyDescription)
	}
	if f.StudyDate != "" {
		ds.SetString(dicom.TagStudyDate, "DA", f.StudyDate)
	}
	if f.StudyTime != "" {
		ds.SetString(dicom.TagStudyTime, "TM", f.StudyTime)
	}
	patientName := f.PatientName
	if patientName == "" {
		patientName = caseName
	}
	ds.SetString(dicom.TagPatientName, "PN", patientName)
	if f.PatientID != "" {
		ds.SetString(dicom.TagPatientID, "LO", f.PatientID)
	}
	if f.PatientBirthDate != "" {
		ds.SetString(dicom.TagPatientBirthDate, "DA", f.PatientBirthDate)
	}
	if f.PatientSex != "" {
		ds.SetString(dicom.TagPatientSex, "CS", f.PatientSex)
	}
	ds.SetString(dicom.TagInstitutionName, "LO", institutionName)
}

// EncapsulatePDF builds a DOC-modality instance wrapping pdfPath's raw
// bytes, writes it to outPath, and returns its fresh SOPInstanceUID.
func EncapsulatePDF(pdfPath, outPath string, info *caseclassifier.StudyInfo, caseName, institutionName string) (string, error) {
	pdfBytes, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", fmt.Errorf("dicomxform: reading %s: %w", pdfPath, err)
	}

	sopInstanceUID := dicom.NewUID()
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.EncapsulatedPDFStorage)
	ds.SetString(dicom.TagSOPInstanceUID, "UI", sopInstanceUID)
	ds.SetString(dicom.TagModality, "CS", "DOC")
	ds.SetString(dicom.TagMIMETypeOfEncapDoc, "LO", "application/pdf")
	ds.Set(dicom.TagEncapsulatedDocument, "OB", dicom.EncapsulateFragments([][]byte{pdfBytes}))

	now := time.Now()
	ds.SetString(dicom.TagContentDate, "DA", now.Format("20060102"))
	ds.SetString(dicom.TagContentTime, "TM", now.Format("150405"))
	ds.SetIntIS(dicom.TagSeriesNumber, 1)
	ds.SetIntIS(dicom.TagInstanceNumber, 1)

	applyStudyFields(ds, fieldsFrom(info), caseName, institutionName)

	meta := dicom.NewFileMeta(dicom.EncapsulatedPDFStorage, sopInstanceUID)
	if err := dicom.WriteFile(outPath, meta, ds); err != nil {
		return "", fmt.Errorf("dicomxform: writing %s: %w", outPath, err)
	}
	return sopInstanceUID, nil
}

// SecondaryCaptureImage converts imagePath to 24-bit RGB and wraps it
// in an SC-modality instance at outPath.
func SecondaryCaptureImage(imagePath, outPath string, info *caseclassifier.StudyInfo, caseName, institutionName string) (string, error) {
	img, err := rasterimage.Decode(imagePath)
	if err != nil {
		return "", fmt.Errorf("dicomxform: decoding %s: %w", imagePath, err)
	}

	sopInstanceUID := dicom.NewUID()
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, "UI", sopInstanceUID)
	ds.SetString(dicom.TagModality, "CS", "SC")
	ds.SetUS(dicom.TagSamplesPerPixel, 3)
	ds.SetString(dicom.TagPhotometricInterp, "CS", "RGB")
	ds.SetUS(dicom.TagPlanarConfiguration, 0)
	ds.SetUS(dicom.TagBitsAllocated, 8)
	ds.SetUS(dicom.TagBitsStored, 8)
	ds.SetUS(dicom.TagHighBit, 7)
	ds.SetUS(dicom.TagPixelRepresentation, 0)
	ds.SetUS(dicom.TagRows, uint16(img.Rows))
	ds.SetUS(dicom.TagColumns, uint16(img.Columns))
	ds.Set(dicom.TagPixelData, "OW", img.Pixels)

	applyStudyFields(ds, fieldsFrom(info), caseName, institutionName)

	meta := dicom.NewFileMeta(dicom.SecondaryCaptureImageStorage, sopInstanceUID)
	if err := dicom.WriteFile(outPath, meta, ds); err != nil {
		return "", fmt.Errorf("dicomxform: writing %s: %w", outPath, err)
	}
	return sopInstanceUID, nil
}

// FuseMultiFrame reads every file in paths (single-frame instances of
// one series), sorts them by InstanceNumber ascending (absent treated
// as 0), stacks their PixelData along a new leading frame axis, and
// writes one multi-frame instance at outPath. The first file's tags
// are preserved except InstanceNumber (cleared),
// PerFrameFunctionGroupsSequence (dropped, since this package never
// parses sequences in the first place), SOPInstanceUID (regenerated),
// and InstitutionName (overwritten).
func FuseMultiFrame(paths []string, outPath, institutionName string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("dicomxform: FuseMultiFrame: no input files")
	}

	type frame struct {
		instanceNumber int
		pixels         []byte
		ds             *dicom.Dataset
		meta           dicom.FileMeta
	}
	frames := make([]frame, 0, len(paths))
	for _, p := range paths {
		meta, ds, err := dicom.ReadFile(p, dicom.ReadOptions{})
		if err != nil {
			return "", fmt.Errorf("dicomxform: reading %s: %w", p, err)
		}
		n, _ := ds.GetInt(dicom.TagInstanceNumber)
		el, ok := ds.Get(dicom.TagPixelData)
		if !ok {
			return "", fmt.Errorf("dicomxform: %s has no PixelData", p)
		}
		frames = append(frames, frame{instanceNumber: n, pixels: el.Value, ds: ds, meta: meta})
	}

	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].instanceNumber < frames[j].instanceNumber
	})

	var stacked []byte
	for _, f := range frames {
		stacked = append(stacked, f.pixels...)
	}

	out := frames[0].ds.Clone()
	out.Delete(dicom.TagInstanceNumber)
	out.Delete(dicom.TagPerFrameFunctionGroups)
	out.SetIntIS(dicom.TagNumberOfFrames, len(frames))
	out.Set(dicom.TagPixelData, "OW", stacked)
	out.SetString(dicom.TagInstitutionName, "LO", institutionName)

	sopInstanceUID := dicom.NewUID()
	out.SetString(dicom.TagSOPInstanceUID, "UI", sopInstanceUID)

	sopClassUID := out.GetString(dicom.TagSOPClassUID)
	if sopClassUID == "" {
		sopClassUID = frames[0].meta.MediaStorageSOPClassUID
	}
	meta := dicom.NewFileMeta(sopClassUID, sopInstanceUID)

	if err := dicom.WriteFile(outPath, meta, out); err != nil {
		return "", fmt.Errorf("dicomxform: writing %s: %w", outPath, err)
	}
	return sopInstanceUID, nil
}

// RewriteVendorTag loads path, sets the file-meta
// ImplementationVersionName to version, sets InstitutionName, and
// re-saves in place.
func RewriteVendorTag(path, version, institutionName string) error {
	meta, ds, err := dicom.ReadFile(path, dicom.ReadOptions{})
	if err != nil {
		return fmt.Errorf("dicomxform: reading %s: %w", path, err)
	}
	meta.ImplementationVersionName = version
	ds.SetString(dicom.TagInstitutionName, "LO", institutionName)
	if err := dicom.WriteFile(path, meta, ds); err != nil {
		return fmt.Errorf("dicomxform: rewriting %s: %w", path, err)
	}
	return nil
}

// RewriteInstitutionOnly loads path, sets InstitutionName, and
// re-saves without touching ImplementationVersionName (used for the
// romexis-authored 3D case where the vendor tag is already correct).
func RewriteInstitutionOnly(path, institutionName string) error {
	meta, ds, err := dicom.ReadFile(path, dicom.ReadOptions{})
	if err != nil {
		return fmt.Errorf("dicomxform: reading %s: %w", path, err)
	}
	ds.SetString(dicom.TagInstitutionName, "LO", institutionName)
	if err := dicom.WriteFile(path, meta, ds); err != nil {
		return fmt.Errorf("dicomxform: rewriting %s: %w", path, err)
	}
	return nil
}
