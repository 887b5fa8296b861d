package caseclassifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dentscan/agent/internal/dicom"
	"github.com/stretchr/testify/require"
)

func writeDicom(t *testing.T, path string, ds *dicom.Dataset, implVersion string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopUID == "" {
		sopUID = dicom.NewUID()
		ds.SetString(dicom.TagSOPInstanceUID, "UI", sopUID)
	}
	meta := dicom.NewFileMeta(ds.GetString(dicom.TagSOPClassUID), sopUID)
	meta.ImplementationVersionName = implVersion
	require.NoError(t, dicom.WriteFile(path, meta, ds))
}

func baseDataset(modality, seriesUID string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
	ds.SetString(dicom.TagModality, "CS", modality)
	ds.SetString(dicom.TagSeriesInstanceUID, "UI", seriesUID)
	ds.SetString(dicom.TagStudyInstanceUID, "UI", "1.2.3.study")
	ds.SetString(dicom.TagPatientName, "PN", "Doe^Jane")
	return ds
}

func TestIsCaseEligibility(t *testing.T) {
	require.True(t, IsCase("Jane Doe"))
	require.False(t, IsCase("JaneDoe"))
	require.False(t, IsCase(""))
	require.False(t, IsCase("CBCT"))
	require.False(t, IsCase("New Folder"))
	require.False(t, IsCase("new folder"))
}

func TestClassifyIneligibleFolderReturnsEmpty(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "JaneDoe")
	require.NoError(t, os.MkdirAll(caseDir, 0o755))

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.Empty(t, c.PDFFiles)
	require.False(t, c.HasAnyDicom())
}

func TestClassifyBucketsAttachmentsAndExcludesIgnoredDirs(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")
	require.NoError(t, os.MkdirAll(caseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(caseDir, "report.pdf"), []byte("%PDF-1.4"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(caseDir, "photo.jpg"), []byte("jpg"), 0o644))

	ignored := filepath.Join(caseDir, "Planmeca Romexis")
	require.NoError(t, os.MkdirAll(ignored, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ignored, "hidden.pdf"), []byte("%PDF-1.4"), 0o644))

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.Len(t, c.PDFFiles, 1)
	require.Len(t, c.ImageFiles, 1)
	require.Equal(t, filepath.Join(caseDir, "report.pdf"), c.PDFFiles[0])
}

func TestClassifyBucketsSingleDicomUnderOnDemand(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")
	ddir := filepath.Join(caseDir, "Ondemand 3D")

	ds := baseDataset("CT", "1.2.3.series")
	ds.SetIntIS(dicom.TagNumberOfFrames, 5)
	writeDicom(t, filepath.Join(ddir, "vol1.dcm"), ds, "")

	mirror := filepath.Join(base, "Dicoms")
	c, err := Classify(caseDir, mirror, "", nil)
	require.NoError(t, err)
	require.Len(t, c.SingleDicomFiles, 1)
	require.Empty(t, c.ProjectFiles)
	require.Empty(t, c.TwoDDicomFiles)
	require.Empty(t, c.MultiSeries)
	require.FileExists(t, filepath.Join(mirror, "vol1.dcm"))
}

func TestClassifyBucketsProjectFilesUnderOnDemand(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")
	ddir := filepath.Join(caseDir, "Ondemand 3D")

	ds := baseDataset("CT", "1.2.3.series")
	ds.SetIntIS(dicom.TagNumberOfFrames, 1)
	writeDicom(t, filepath.Join(ddir, "proj1.dcm"), ds, "")

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.Len(t, c.ProjectFiles, 1)
	require.Empty(t, c.SingleDicomFiles)
}

func TestClassifyBucketsTwoDAndMultiSeries(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")

	pano := baseDataset("PX", "")
	writeDicom(t, filepath.Join(caseDir, "pano.dcm"), pano, "")

	ctA := baseDataset("CT", "1.2.3.seriesA")
	writeDicom(t, filepath.Join(caseDir, "ct1.dcm"), ctA, "")
	ctB := baseDataset("CT", "1.2.3.seriesA")
	writeDicom(t, filepath.Join(caseDir, "ct2.dcm"), ctB, "")

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.Len(t, c.TwoDDicomFiles, 1)
	require.Len(t, c.MultiSeries["1.2.3.seriesA"], 2)

	seriesUID, paths, ok := c.LargestSeries()
	require.True(t, ok)
	require.Equal(t, "1.2.3.seriesA", seriesUID)
	require.Len(t, paths, 2)
}

func TestClassifyDeduplicatesBySOPInstanceUID(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")

	ds := baseDataset("PX", "")
	ds.SetString(dicom.TagSOPInstanceUID, "UI", "1.2.3.sop.dup")
	writeDicom(t, filepath.Join(caseDir, "a.dcm"), ds, "")

	ds2 := baseDataset("PX", "")
	ds2.SetString(dicom.TagSOPInstanceUID, "UI", "1.2.3.sop.dup")
	writeDicom(t, filepath.Join(caseDir, "b.dcm"), ds2, "")

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.Len(t, c.TwoDDicomFiles, 1)
}

func TestClassifyDetectsRomexis(t *testing.T) {
	base := t.TempDir()
	caseDir := filepath.Join(base, "Jane Doe")

	ds := baseDataset("PX", "")
	writeDicom(t, filepath.Join(caseDir, "a.dcm"), ds, "ROMEXIS_10")

	c, err := Classify(caseDir, "", "", nil)
	require.NoError(t, err)
	require.True(t, c.Romexis)
	require.NotNil(t, c.StudyInfo)
	require.Equal(t, "Doe^Jane", c.StudyInfo.PatientName)
}
