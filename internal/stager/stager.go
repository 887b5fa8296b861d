// Package stager materializes the Orthanc/ upload tree for one case
// from the classifier's bucketed output, per spec.md §4.6.
//
// Grounded on original_source/services/folder_monitor.py's
// post-classification branch (the elif chain over has_single_dicom /
// romexis / multi_dicom_files / project_files / twoDDicomFiles /
// pdf_files / image_files), rewritten over internal/dicomxform.
package stager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dentscan/agent/internal/caseclassifier"
	"github.com/dentscan/agent/internal/dicom"
	"github.com/dentscan/agent/internal/dicomxform"
)

const (
	Label3DDicom = "3D-DICOM"
	LabelOD3D    = "OD3D"
	Label2DDicom = "2D-DICOM"
	LabelPDF     = "PDF"
	LabelImage   = "Image"
)

// Stage writes Orthanc/ under orthancDir from contents, returning the
// deduplicated set of labels accumulated across every rule that fired.
// logf receives one-line diagnostics for per-file failures; the case
// is never aborted on one, matching spec.md §4.4's error-handling
// contract, which applies identically here.
func Stage(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(format string, args ...any)) ([]string, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if err := os.MkdirAll(orthancDir, 0o755); err != nil {
		return nil, fmt.Errorf("stager: creating %s: %w", orthancDir, err)
	}

	labels := newLabelSet()

	switch {
	case len(contents.SingleDicomFiles) > 0 && contents.Romexis:
		stageSingleDicomRomexis(contents, orthancDir, institutionName, logf)
		labels.add(Label3DDicom)
	case len(contents.SingleDicomFiles) > 0:
		stageSingleDicomNonRomexis(contents, orthancDir, institutionName, logf)
		labels.add(Label3DDicom)
	case len(contents.MultiSeries) > 0:
		if err := stageFusedMultiSeries(contents, orthancDir, institutionName, logf); err == nil {
			labels.add(Label3DDicom)
		}
	}

	if len(contents.ProjectFiles) > 0 {
		copyVerbatimWithInstitutionRewrite(contents.ProjectFiles, orthancDir, institutionName, logf)
		labels.add(LabelOD3D)
	}

	if len(contents.TwoDDicomFiles) > 0 {
		copyVerbatimWithInstitutionRewrite(contents.TwoDDicomFiles, orthancDir, institutionName, logf)
		labels.add(Label2DDicom)
	}

	// A case with attachments but no DICOM gets a fresh study so its
	// PDF and image instances share one StudyInstanceUID.
	if contents.StudyInfo == nil && (len(contents.PDFFiles) > 0 || len(contents.ImageFiles) > 0) {
		contents.StudyInfo = &caseclassifier.StudyInfo{StudyInstanceUID: dicom.NewUID()}
	}

	if len(contents.PDFFiles) > 0 {
		stagePDFs(contents, orthancDir, institutionName, logf)
		labels.add(LabelPDF)
	}

	if len(contents.ImageFiles) > 0 {
		stageImages(contents, orthancDir, institutionName, logf)
		labels.add(LabelImage)
	}

	return labels.slice(), nil
}

type labelSet struct {
	seen  map[string]bool
	order []string
}

func newLabelSet() *labelSet {
	return &labelSet{seen: make(map[string]bool)}
}

func (s *labelSet) add(label string) {
	if s.seen[label] {
		return
	}
	s.seen[label] = true
	s.order = append(s.order, label)
}

func (s *labelSet) slice() []string {
	return s.order
}

// destExists reports whether a file of the given name already exists
// in orthancDir; a single name hit is enough to skip per spec.md
// §4.6's Orthanc/ idempotence rule.
func destExists(orthancDir, name string) bool {
	_, err := os.Stat(filepath.Join(orthancDir, name))
	return err == nil
}

func stageSingleDicomRomexis(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(string, ...any)) {
	for _, src := range contents.SingleDicomFiles {
		name := filepath.Base(src)
		dst := filepath.Join(orthancDir, name)
		if destExists(orthancDir, name) {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			logf("stager: failed to copy %s: %v", name, err)
			continue
		}
		if err := dicomxform.RewriteInstitutionOnly(dst, institutionName); err != nil {
			logf("stager: failed to rewrite institution on %s: %v", name, err)
		}
	}
}

func stageSingleDicomNonRomexis(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(string, ...any)) {
	for _, src := range contents.SingleDicomFiles {
		name := filepath.Base(src)
		dst := filepath.Join(orthancDir, name)
		if destExists(orthancDir, name) {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			logf("stager: failed to copy %s: %v", name, err)
			continue
		}
		if err := dicomxform.RewriteVendorTag(dst, "ROMEXIS_10", institutionName); err != nil {
			logf("stager: failed to rewrite vendor tag on %s: %v", name, err)
		}
	}
}

func stageFusedMultiSeries(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(string, ...any)) error {
	_, paths, ok := contents.LargestSeries()
	if !ok {
		return fmt.Errorf("stager: no multi-series files to fuse")
	}
	name := contents.CaseName + " DCM.dcm"
	if destExists(orthancDir, name) {
		return nil
	}
	dst := filepath.Join(orthancDir, name)
	if _, err := dicomxform.FuseMultiFrame(paths, dst, institutionName); err != nil {
		logf("stager: failed to fuse multi-series for %s: %v", contents.CaseName, err)
		return err
	}
	return nil
}

func copyVerbatimWithInstitutionRewrite(srcs []string, orthancDir, institutionName string, logf func(string, ...any)) {
	for _, src := range srcs {
		name := filepath.Base(src)
		dst := filepath.Join(orthancDir, name)
		if destExists(orthancDir, name) {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			logf("stager: failed to copy %s: %v", name, err)
			continue
		}
		if err := dicomxform.RewriteInstitutionOnly(dst, institutionName); err != nil {
			logf("stager: failed to rewrite institution on %s: %v", name, err)
		}
	}
}

func stagePDFs(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(string, ...any)) {
	for _, src := range contents.PDFFiles {
		name := dicomNameFor(src, "PDF")
		if destExists(orthancDir, name) {
			continue
		}
		dst := filepath.Join(orthancDir, name)
		if _, err := dicomxform.EncapsulatePDF(src, dst, contents.StudyInfo, contents.CaseName, institutionName); err != nil {
			logf("stager: failed to encapsulate PDF %s: %v", filepath.Base(src), err)
		}
	}
}

func stageImages(contents *caseclassifier.Contents, orthancDir, institutionName string, logf func(string, ...any)) {
	for _, src := range contents.ImageFiles {
		name := dicomNameFor(src, "IMG")
		if destExists(orthancDir, name) {
			continue
		}
		dst := filepath.Join(orthancDir, name)
		if _, err := dicomxform.SecondaryCaptureImage(src, dst, contents.StudyInfo, contents.CaseName, institutionName); err != nil {
			logf("stager: failed to capture image %s: %v", filepath.Base(src), err)
		}
	}
}

// dicomNameFor derives the Orthanc/ output filename for a transformed
// attachment: the source basename with its extension dropped and a
// kind suffix appended, so "xray.pdf" staged with suffix "PDF" becomes
// "xray PDF.dcm". The suffix keeps a same-stem PDF and image from
// colliding onto one output filename.
func dicomNameFor(src, suffix string) string {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return stem + " " + suffix + ".dcm"
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
