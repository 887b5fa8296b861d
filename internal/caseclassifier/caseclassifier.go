// Package caseclassifier walks a case folder and sorts its files into
// the buckets the transformer and stager consume, per spec.md §4.4.
//
// Grounded on original_source/services/folder_monitor.py's
// find_cases: two independent directory walks (one for attachments,
// one for DICOM instances) rather than a single merged walk, because
// the "ondemand 3d" subtree must be excluded from the attachment walk
// but included in the DICOM walk.
package caseclassifier

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dentscan/agent/internal/dicom"
)

var excludedCaseNames = map[string]bool{
	"cbct":       true,
	"new folder": true,
}

var ignoredAttachmentDirs = map[string]bool{
	"planmeca romexis": true,
	"ondemand 3d":      true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
}

// IsCase reports whether name satisfies the CaseFolder eligibility
// rule: non-empty, contains a space, and not in the exclusion set.
func IsCase(name string) bool {
	if name == "" {
		return false
	}
	if !strings.Contains(name, " ") {
		return false
	}
	return !excludedCaseNames[strings.ToLower(name)]
}

// StudyInfo holds the identifying tags copied from the first DICOM a
// walk encounters, per spec.md §3 CaseContents.studyInfo.
type StudyInfo struct {
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

// Contents is the transient result of classifying one case folder
// (spec.md §3 CaseContents).
type Contents struct {
	CaseName string
	CasePath string

	PDFFiles   []string
	ImageFiles []string

	SingleDicomFiles []string            // NumberOfFrames>1, CT, ondemand 3d
	ProjectFiles     []string            // NumberOfFrames==1, CT, ondemand 3d
	TwoDDicomFiles   []string            // no NumberOfFrames, modality != CT
	MultiSeries      map[string][]string // SeriesInstanceUID -> paths, no NumberOfFrames, CT

	StudyInfo *StudyInfo
	Romexis   bool

	sopSeen map[string]bool
}

// HasAnyDicom reports whether any DICOM bucket is non-empty.
func (c *Contents) HasAnyDicom() bool {
	return len(c.SingleDicomFiles) > 0 || len(c.ProjectFiles) > 0 ||
		len(c.TwoDDicomFiles) > 0 || len(c.MultiSeries) > 0
}

// LargestSeries returns the SeriesInstanceUID with the most files in
// MultiSeries, and its paths. ok is false if MultiSeries is empty.
func (c *Contents) LargestSeries() (seriesUID string, paths []string, ok bool) {
	best := -1
	for uid, files := range c.MultiSeries {
		if len(files) > best {
			best = len(files)
			seriesUID = uid
			paths = files
			ok = true
		}
	}
	return seriesUID, paths, ok
}

// Classify runs the eligibility gate and, if the folder qualifies,
// both directory walks, mirroring every DICOM it finds into
// dicomsMirrorDir and every PDF/image it finds into
// attachmentsMirrorDir, both idempotently (spec.md §4.4 step 7, §3
// StagedCase.Attachments). Either mirror directory may be empty to
// skip that mirroring. logf receives one-line diagnostics for
// per-file failures; it may be nil.
func Classify(casePath string, dicomsMirrorDir, attachmentsMirrorDir string, logf func(format string, args ...any)) (*Contents, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	caseName := filepath.Base(casePath)
	if !IsCase(caseName) {
		return &Contents{CaseName: caseName, CasePath: casePath}, nil
	}
	entries, err := os.ReadDir(casePath)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Contents{CaseName: caseName, CasePath: casePath}, nil
	}

	c := &Contents{
		CaseName:    caseName,
		CasePath:    casePath,
		MultiSeries: make(map[string][]string),
		sopSeen:     make(map[string]bool),
	}

	walkAttachments(casePath, attachmentsMirrorDir, c, logf)
	walkDicoms(casePath, dicomsMirrorDir, c, logf)

	return c, nil
}

func walkAttachments(casePath, attachmentsMirrorDir string, c *Contents, logf func(string, ...any)) {
	_ = filepath.WalkDir(casePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logf("caseclassifier: attachment walk error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != casePath && ignoredAttachmentDirs[strings.ToLower(d.Name())] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case ext == ".pdf":
			c.PDFFiles = append(c.PDFFiles, path)
			mirrorAttachment(path, attachmentsMirrorDir, logf)
		case imageExts[ext]:
			c.ImageFiles = append(c.ImageFiles, path)
			mirrorAttachment(path, attachmentsMirrorDir, logf)
		}
		return nil
	})
}

// mirrorAttachment copies src into attachmentsMirrorDir verbatim,
// using the same size-equality fast path as StagedCase.Attachments
// (spec.md §3): an existing destination of the same size is left
// untouched.
func mirrorAttachment(src, attachmentsMirrorDir string, logf func(string, ...any)) {
	if attachmentsMirrorDir == "" {
		return
	}
	dst := filepath.Join(attachmentsMirrorDir, filepath.Base(src))
	if sameSize(src, dst) {
		return
	}
	if err := copyFile(src, dst); err != nil {
		logf("caseclassifier: failed to copy %s into Attachments/: %v", filepath.Base(src), err)
	}
}

func walkDicoms(casePath, dicomsMirrorDir string, c *Contents, logf func(string, ...any)) {
	_ = filepath.WalkDir(casePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logf("caseclassifier: dicom walk error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !dicom.IsDICOMFile(path) {
			return nil
		}
		classifyDicomFile(path, casePath, dicomsMirrorDir, c, logf)
		return nil
	})
}

func classifyDicomFile(path, casePath, dicomsMirrorDir string, c *Contents, logf func(string, ...any)) {
	meta, ds, err := dicom.ReadFile(path, dicom.ReadOptions{StopBeforePixels: true})
	if err != nil {
		logf("caseclassifier: failed to read %s: %v", path, err)
		return
	}

	mirrorDicom(path, dicomsMirrorDir, logf)

	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopUID == "" {
		sopUID = meta.MediaStorageSOPInstanceUID
	}
	if sopUID != "" {
		if c.sopSeen[sopUID] {
			return
		}
		c.sopSeen[sopUID] = true
	}

	if c.StudyInfo == nil {
		c.StudyInfo = extractStudyInfo(ds)
	}

	if !c.Romexis && strings.Contains(strings.ToUpper(meta.ImplementationVersionName), "ROMEXIS") {
		c.Romexis = true
	}

	rel, err := filepath.Rel(casePath, path)
	relLower := strings.ToLower(rel)
	isFromOnDemand := err == nil && strings.Contains(relLower, "ondemand 3d")

	modality := strings.ToUpper(ds.GetString(dicom.TagModality))
	nf, hasNF := ds.GetInt(dicom.TagNumberOfFrames)

	switch {
	case hasNF && nf > 1:
		if modality == "CT" && isFromOnDemand {
			c.SingleDicomFiles = append(c.SingleDicomFiles, path)
		}
	case hasNF && nf == 1:
		if modality == "CT" && isFromOnDemand {
			c.ProjectFiles = append(c.ProjectFiles, path)
		}
	case hasNF:
		// NumberOfFrames present but gates otherwise fail: no bucket.
	case modality != "CT":
		c.TwoDDicomFiles = append(c.TwoDDicomFiles, path)
	default:
		seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
		if seriesUID == "" {
			seriesUID = "unknown-" + c.CaseName
		}
		c.MultiSeries[seriesUID] = append(c.MultiSeries[seriesUID], path)
	}
}

func mirrorDicom(path, dicomsMirrorDir string, logf func(string, ...any)) {
	if dicomsMirrorDir == "" {
		return
	}
	dst := filepath.Join(dicomsMirrorDir, filepath.Base(path))
	if sameSize(path, dst) {
		return
	}
	if err := copyFile(path, dst); err != nil {
		logf("caseclassifier: failed to mirror %s into Dicoms/: %v", path, err)
	}
}

func sameSize(src, dst string) bool {
	di, err := os.Stat(dst)
	if err != nil {
		return false
	}
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	return si.Size() == di.Size()
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func extractStudyInfo(ds *dicom.Dataset) *StudyInfo {
	return &StudyInfo{
		StudyInstanceUID: ds.GetString(dicom.TagStudyInstanceUID),
		AccessionNumber:  ds.GetString(dicom.TagAccessionNumber),
		StudyDescription: ds.GetString(dicom.TagStudyDescription),
		StudyDate:        ds.GetString(dicom.TagStudyDate),
		StudyTime:        ds.GetString(dicom.TagStudyTime),
		PatientName:      ds.GetString(dicom.TagPatientName),
		PatientID:        ds.GetString(dicom.TagPatientID),
		PatientBirthDate: ds.GetString(dicom.TagPatientBirthDate),
		PatientSex:       ds.GetString(dicom.TagPatientSex),
	}
}
