package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dentscan/agent/internal/dicom"
	"github.com/dentscan/agent/internal/pacsclient"
)

func tokenHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}
}

func writeDicomFile(t *testing.T, path, sopUID, seriesUID, studyUID string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, "UI", sopUID)
	ds.SetString(dicom.TagSeriesInstanceUID, "UI", seriesUID)
	ds.SetString(dicom.TagStudyInstanceUID, "UI", studyUID)
	ds.SetUS(dicom.TagRows, 1)
	ds.SetUS(dicom.TagColumns, 1)
	ds.Set(dicom.TagPixelData, "OW", []byte{0x01, 0x02})
	meta := dicom.NewFileMeta(dicom.SecondaryCaptureImageStorage, sopUID)
	require.NoError(t, dicom.WriteFile(path, meta, ds))
}

// fakePACS serves /tools/find (empty result until an instance has been
// uploaded, so nothing is considered already uploaded beforehand and
// the post-upload confirmation succeeds afterwards), /instances (accept
// anything), and /studies/{id}/labels/{label} (accept anything),
// counting every uploaded instance.
func fakePACS(t *testing.T) (*httptest.Server, *int32) {
	var uploadCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tools/find":
			w.Header().Set("Content-Type", "application/json")
			if atomic.LoadInt32(&uploadCount) > 0 {
				_, _ = w.Write([]byte(`["orthanc-id"]`))
			} else {
				_, _ = w.Write([]byte(`[]`))
			}
		case r.URL.Path == "/instances":
			atomic.AddInt32(&uploadCount, 1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &uploadCount
}

func TestUploadFolderUploadsEveryDicomAndMarksDone(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t))
	defer tokenSrv.Close()
	pacsSrv, _ := fakePACS(t)

	dir := t.TempDir()
	writeDicomFile(t, filepath.Join(dir, "a.dcm"), "1.2.sop.a", "1.2.series", "1.2.study")
	writeDicomFile(t, filepath.Join(dir, "b.dcm"), "1.2.sop.b", "1.2.series", "1.2.study")

	client := pacsclient.New(pacsclient.Config{BaseURL: pacsSrv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	orch := New(client)

	var logs []string
	result := orch.UploadFolder(context.Background(), dir, "Jane Doe", []string{"3D-DICOM"}, func(format string, args ...any) {
		logs = append(logs, format)
	})

	require.True(t, result.Started)
	require.FileExists(t, filepath.Join(dir, uploadedMarker))
	require.NoFileExists(t, filepath.Join(dir, uploadingSentinel))
	require.NoFileExists(t, filepath.Join(dir, progressSentinel))
	require.NotEmpty(t, logs)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, tempDirName, e.Name(), "temp dir must be cleaned up after a run")
	}
}

func TestUploadFolderSkipsWhenAlreadyUploaded(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t))
	defer tokenSrv.Close()
	pacsSrv, uploadCount := fakePACS(t)

	dir := t.TempDir()
	writeDicomFile(t, filepath.Join(dir, "a.dcm"), "1.2.sop.a", "1.2.series", "1.2.study")
	require.NoError(t, os.WriteFile(filepath.Join(dir, uploadedMarker), []byte("done"), 0o644))

	client := pacsclient.New(pacsclient.Config{BaseURL: pacsSrv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	orch := New(client)

	result := orch.UploadFolder(context.Background(), dir, "Jane Doe", nil, nil)
	require.False(t, result.Started)
	require.Equal(t, "already-uploaded", result.Reason)
	require.EqualValues(t, 0, *uploadCount)
}

func TestUploadFolderBlocksConcurrentUploadOfSameFolder(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t))
	defer tokenSrv.Close()
	pacsSrv, _ := fakePACS(t)

	dir := t.TempDir()
	writeDicomFile(t, filepath.Join(dir, "a.dcm"), "1.2.sop.a", "1.2.series", "1.2.study")

	client := pacsclient.New(pacsclient.Config{BaseURL: pacsSrv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	orch := New(client)

	canon := canonicalize(dir)
	orch.mu.Lock()
	orch.inFlight[canon] = true
	orch.mu.Unlock()

	result := orch.UploadFolder(context.Background(), dir, "Jane Doe", nil, nil)
	require.False(t, result.Started)
	require.Equal(t, "in-progress", result.Reason)

	orch.mu.Lock()
	delete(orch.inFlight, canon)
	orch.mu.Unlock()
}

func TestUploadFolderClearsOldCompletedLockAndRetries(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t))
	defer tokenSrv.Close()
	pacsSrv, uploadCount := fakePACS(t)

	dir := t.TempDir()
	writeDicomFile(t, filepath.Join(dir, "a.dcm"), "1.2.sop.a", "1.2.series", "1.2.study")

	lockPath := filepath.Join(dir, uploadingSentinel)
	require.NoError(t, os.WriteFile(lockPath, []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, progressSentinel), []byte("100"), 0o644))
	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, oldTime, oldTime))

	client := pacsclient.New(pacsclient.Config{BaseURL: pacsSrv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	orch := New(client)

	result := orch.UploadFolder(context.Background(), dir, "Jane Doe", nil, nil)
	require.True(t, result.Started)
	require.FileExists(t, filepath.Join(dir, uploadedMarker))
	require.Greater(t, *uploadCount, int32(0))
}

func TestUploadFolderClearsFreshPartialLockAndRetries(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t))
	defer tokenSrv.Close()
	pacsSrv, uploadCount := fakePACS(t)

	dir := t.TempDir()
	writeDicomFile(t, filepath.Join(dir, "a.dcm"), "1.2.sop.a", "1.2.series", "1.2.study")
	require.NoError(t, os.WriteFile(filepath.Join(dir, uploadingSentinel), []byte("recent"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, progressSentinel), []byte("37"), 0o644))

	client := pacsclient.New(pacsclient.Config{BaseURL: pacsSrv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	orch := New(client)

	result := orch.UploadFolder(context.Background(), dir, "Jane Doe", nil, nil)
	require.True(t, result.Started)
	require.FileExists(t, filepath.Join(dir, uploadedMarker))
	require.Greater(t, *uploadCount, int32(0))
}

func TestUploadFolderMissingDirectory(t *testing.T) {
	client := pacsclient.New(pacsclient.Config{BaseURL: "http://127.0.0.1:1", TokenURL: "http://127.0.0.1:1"})
	orch := New(client)

	result := orch.UploadFolder(context.Background(), filepath.Join(t.TempDir(), "missing"), "Jane Doe", nil, nil)
	require.False(t, result.Started)
	require.Equal(t, "missing-folder", result.Reason)
}

func TestStageTempCopyRenamesOnSizeCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.dcm")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("new content, longer than old"), 0o644))

	tempDir := filepath.Join(dir, "temp")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a.dcm"), []byte("old"), 0o644))

	dest, err := stageTempCopy(src, tempDir)
	require.NoError(t, err)
	require.NotEqual(t, filepath.Join(tempDir, "a.dcm"), dest)
	require.FileExists(t, dest)
}

func TestDiscoverDicomFilesIgnoresNonDicomAndTempDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, tempDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempDirName, "b.dcm"), []byte("x"), 0o644))

	files := discoverDicomFiles(dir, filepath.Join(dir, tempDirName))
	require.Equal(t, []string{filepath.Join(dir, "a.dcm")}, files)
}
