package dicomxform

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dentscan/agent/internal/caseclassifier"
	"github.com/dentscan/agent/internal/dicom"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, dir, name string, cols, rows int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestEncapsulatePDFRoundTrips(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4 fake content"), 0o644))

	outPath := filepath.Join(dir, "out.dcm")
	info := &caseclassifier.StudyInfo{StudyInstanceUID: "1.2.3", PatientName: "Doe^Jane"}

	sopUID, err := EncapsulatePDF(pdfPath, outPath, info, "Jane Doe", "Acme Dental")
	require.NoError(t, err)
	require.NotEmpty(t, sopUID)

	meta, ds, err := dicom.ReadFile(outPath, dicom.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, dicom.EncapsulatedPDFStorage, meta.MediaStorageSOPClassUID)
	require.Equal(t, sopUID, meta.MediaStorageSOPInstanceUID)
	require.Equal(t, "DOC", ds.GetString(dicom.TagModality))
	require.Equal(t, "application/pdf", ds.GetString(dicom.TagMIMETypeOfEncapDoc))
	require.Equal(t, "Doe^Jane", ds.GetString(dicom.TagPatientName))
	require.Equal(t, "Acme Dental", ds.GetString(dicom.TagInstitutionName))
	require.Equal(t, "1.2.3", ds.GetString(dicom.TagStudyInstanceUID))
}

func TestEncapsulatePDFFallsBackToCaseNameForPatient(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4"), 0o644))

	outPath := filepath.Join(dir, "out.dcm")
	_, err := EncapsulatePDF(pdfPath, outPath, nil, "Jane Doe", "Acme Dental")
	require.NoError(t, err)

	_, ds, err := dicom.ReadFile(outPath, dicom.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", ds.GetString(dicom.TagPatientName))
}

func TestSecondaryCaptureImage(t *testing.T) {
	dir := t.TempDir()
	imgPath := writeTestPNG(t, dir, "photo.png", 4, 3)

	outPath := filepath.Join(dir, "out.dcm")
	sopUID, err := SecondaryCaptureImage(imgPath, outPath, nil, "Jane Doe", "Acme Dental")
	require.NoError(t, err)
	require.NotEmpty(t, sopUID)

	_, ds, err := dicom.ReadFile(outPath, dicom.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "SC", ds.GetString(dicom.TagModality))
	require.Equal(t, "RGB", ds.GetString(dicom.TagPhotometricInterp))
	rows, ok := ds.GetInt(dicom.TagRows)
	require.True(t, ok)
	require.Equal(t, 3, rows)
	el, ok := ds.Get(dicom.TagPixelData)
	require.True(t, ok)
	require.Len(t, el.Value, 4*3*3)
}

func TestFuseMultiFrameSortsByInstanceNumberAndStacks(t *testing.T) {
	dir := t.TempDir()

	makeFrame := func(name string, instanceNumber int, pixelByte byte) string {
		path := filepath.Join(dir, name)
		ds := dicom.NewDataset()
		ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
		ds.SetString(dicom.TagSeriesInstanceUID, "UI", "1.2.3.series")
		ds.SetIntIS(dicom.TagInstanceNumber, instanceNumber)
		ds.SetUS(dicom.TagRows, 1)
		ds.SetUS(dicom.TagColumns, 1)
		ds.Set(dicom.TagPixelData, "OW", []byte{pixelByte, pixelByte})
		sopUID := dicom.NewUID()
		ds.SetString(dicom.TagSOPInstanceUID, "UI", sopUID)
		meta := dicom.NewFileMeta(dicom.SecondaryCaptureImageStorage, sopUID)
		require.NoError(t, dicom.WriteFile(path, meta, ds))
		return path
	}

	p2 := makeFrame("b.dcm", 2, 0xBB)
	p1 := makeFrame("a.dcm", 1, 0xAA)

	outPath := filepath.Join(dir, "fused.dcm")
	sopUID, err := FuseMultiFrame([]string{p2, p1}, outPath, "Acme Dental")
	require.NoError(t, err)
	require.NotEmpty(t, sopUID)

	_, ds, err := dicom.ReadFile(outPath, dicom.ReadOptions{})
	require.NoError(t, err)
	nf, ok := ds.GetInt(dicom.TagNumberOfFrames)
	require.True(t, ok)
	require.Equal(t, 2, nf)

	el, ok := ds.Get(dicom.TagPixelData)
	require.True(t, ok)
	require.Equal(t, []byte{0xAA, 0xAA, 0xBB, 0xBB}, el.Value)
	require.Equal(t, "Acme Dental", ds.GetString(dicom.TagInstitutionName))
	require.Equal(t, sopUID, ds.GetString(dicom.TagSOPInstanceUID))
	_, hasInstanceNumber := ds.GetInt(dicom.TagInstanceNumber)
	require.False(t, hasInstanceNumber)
}

func TestRewriteVendorTagAndInstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
	ds.SetString(dicom.TagModality, "CS", "CT")
	sopUID := dicom.NewUID()
	ds.SetString(dicom.TagSOPInstanceUID, "UI", sopUID)
	meta := dicom.NewFileMeta(dicom.SecondaryCaptureImageStorage, sopUID)
	require.NoError(t, dicom.WriteFile(path, meta, ds))

	require.NoError(t, RewriteVendorTag(path, "ROMEXIS_10", "Acme Dental"))

	newMeta, newDS, err := dicom.ReadFile(path, dicom.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "ROMEXIS_10", newMeta.ImplementationVersionName)
	require.Equal(t, "Acme Dental", newDS.GetString(dicom.TagInstitutionName))
}
