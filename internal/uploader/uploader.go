// Package uploader drives one case's Orthanc/ folder through the PACS
// client: single-flight per folder, crash-recovery sentinels, bounded
// concurrent per-file uploads, and post-upload label application, per
// spec.md §4.8.
//
// Grounded on original_source/services/pacs_uploader.py's
// upload_folder_async / _upload_folder_worker (the
// .pacs_uploading/.pacs_progress/.pacs_uploaded sentinel state machine
// and the epoch-millisecond temp-file rename on collision), with
// per-file concurrency bounded by go4.org/syncutil.Gate the way
// perkeep.org/cmd/pk-put/uploader.go bounds concurrent blob uploads.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go4.org/syncutil"

	"github.com/dentscan/agent/internal/dicom"
	"github.com/dentscan/agent/internal/pacsclient"
)

const (
	uploadingSentinel = ".pacs_uploading"
	progressSentinel  = ".pacs_progress"
	uploadedMarker    = ".pacs_uploaded"
	tempDirName       = "temp"

	maxConcurrentFileUploads = 4
)

// Logf receives one-line progress/diagnostic messages; implementations
// typically forward to a logsink.Sink.
type Logf func(format string, args ...any)

// Orchestrator runs uploadFolderAsync-style uploads against one PACS
// client, enforcing one concurrent upload per canonicalized folder
// path (spec.md §4.8).
type Orchestrator struct {
	client *pacsclient.Client

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(client *pacsclient.Client) *Orchestrator {
	return &Orchestrator{
		client:   client,
		inFlight: make(map[string]bool),
	}
}

// StartResult reports whether UploadFolder actually began work.
type StartResult struct {
	Started bool
	Reason  string // "already-uploaded", "in-progress", "missing-folder", ""
}

// UploadFolder uploads every *.dcm file directly under folder (not its
// temp/ subdirectory) to PACS, applying labels to the owning study on
// full success. It blocks for the duration of the upload; callers that
// want fire-and-forget semantics should call it from their own
// goroutine, the way the scan driver's per-case fan-out does.
func (o *Orchestrator) UploadFolder(ctx context.Context, folder, caseName string, labels []string, logf Logf) StartResult {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if _, err := os.Stat(folder); err != nil {
		return StartResult{Started: false, Reason: "missing-folder"}
	}

	canon := canonicalize(folder)

	if _, err := os.Stat(filepath.Join(folder, uploadedMarker)); err == nil {
		return StartResult{Started: false, Reason: "already-uploaded"}
	}

	o.mu.Lock()
	if o.inFlight[canon] {
		o.mu.Unlock()
		return StartResult{Started: false, Reason: "in-progress"}
	}
	o.inFlight[canon] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, canon)
		o.mu.Unlock()
	}()

	// No goroutine in this process holds canon, so any .pacs_uploading
	// still on disk belongs to a run that never reached completion:
	// treat it as interrupted and clear it unconditionally before
	// reclaiming the folder, per spec.md §4.8.
	o.clearInterruptedLock(folder, logf)

	lockPath := filepath.Join(folder, uploadingSentinel)
	_ = os.WriteFile(lockPath, []byte(time.Now().Format("2006-01-02 15:04:05")), 0o644)
	defer os.Remove(lockPath)
	defer os.Remove(filepath.Join(folder, progressSentinel))

	o.runUpload(ctx, folder, caseName, labels, logf)
	return StartResult{Started: true}
}

// clearInterruptedLock removes a leftover .pacs_uploading/.pacs_progress
// pair and temp/ directory found at claim time. Since the caller has
// already confirmed canon is not in the in-process in-flight set, a
// lock on disk can only be left behind by a process that exited before
// finishing: its age and last recorded percent (37%, 100%, or absent)
// are diagnostic only, never a reason to leave the folder stuck.
func (o *Orchestrator) clearInterruptedLock(folder string, logf Logf) {
	lockPath := filepath.Join(folder, uploadingSentinel)
	if _, err := os.Stat(lockPath); err != nil {
		return
	}

	progressPath := filepath.Join(folder, progressSentinel)
	if percent, ok := parsePercent(readFile(progressPath)); ok {
		logf("PACS upload interrupted at %d%%, resuming: %s", percent, folder)
	} else {
		logf("PACS upload interrupted, resuming: %s", folder)
	}

	os.Remove(lockPath)
	os.Remove(progressPath)
	os.RemoveAll(filepath.Join(folder, tempDirName))
}

func readFile(path string) string {
	data, _ := os.ReadFile(path)
	return string(data)
}

func parsePercent(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func canonicalize(folder string) string {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return folder
	}
	return filepath.Clean(abs)
}

type uploadFailure struct {
	path string
	err  error
}

func (o *Orchestrator) runUpload(ctx context.Context, folder, caseName string, labels []string, logf Logf) {
	tempDir := filepath.Join(folder, tempDirName)
	_ = os.RemoveAll(tempDir)
	_ = os.MkdirAll(tempDir, 0o755)
	defer os.RemoveAll(tempDir)

	files := discoverDicomFiles(folder, tempDir)
	label := ""
	if caseName != "" {
		label = " for case " + caseName
	}

	if len(files) == 0 {
		return
	}
	logf("PACS upload started%s: %d file(s)", label, len(files))

	var (
		mu          sync.Mutex
		uploaded    int
		failures    []uploadFailure
		gate        = syncutil.NewGate(maxConcurrentFileUploads)
		grp         syncutil.Group
		studyUIDSet = make(map[string]bool)
	)

	for _, path := range files {
		path := path
		gate.Start()
		grp.Go(func() error {
			defer gate.Done()
			studyUID, err := o.uploadOne(ctx, folder, tempDir, path, label, logf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, uploadFailure{path: path, err: err})
				return err
			}
			uploaded++
			if studyUID != "" {
				studyUIDSet[studyUID] = true
			}
			return nil
		})
	}
	_ = grp.Err()

	if len(failures) > 0 {
		for _, f := range failures {
			logf("PACS upload failed%s: %s - %v", label, f.path, f.err)
		}
		logf("PACS upload completed%s with %d failure(s) out of %d", label, len(failures), len(files))
		return
	}

	_ = os.WriteFile(filepath.Join(folder, progressSentinel), []byte("100"), 0o644)
	_ = os.WriteFile(filepath.Join(folder, uploadedMarker), []byte(time.Now().Format("2006-01-02 15:04:05")), 0o644)
	logf("PACS upload completed%s: %d file(s)", label, uploaded)

	for studyUID := range studyUIDSet {
		for _, l := range labels {
			if err := o.client.AddLabel(ctx, studyUID, l); err != nil {
				logf("PACS label %s skipped for study %s: %v", l, studyUID, err)
			}
		}
	}
}

// uploadOne stages path into a collision-free temp copy, skips it if
// PACS already has the instance, uploads it, confirms, and returns the
// instance's StudyInstanceUID for the eventual labeling pass.
func (o *Orchestrator) uploadOne(ctx context.Context, folder, tempDir, path, label string, logf Logf) (string, error) {
	meta, ds, err := dicom.ReadFile(path, dicom.ReadOptions{StopBeforePixels: true})
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopUID == "" {
		sopUID = meta.MediaStorageSOPInstanceUID
	}
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	studyUID := ds.GetString(dicom.TagStudyInstanceUID)

	if sopUID != "" {
		exists, err := o.client.Exists(ctx, sopUID, seriesUID)
		if err == nil && exists {
			logf("PACS already has%s: %s, skipping", label, filepath.Base(path))
			return studyUID, nil
		}
	}

	dest, err := stageTempCopy(path, tempDir)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", path, err)
	}

	lastPercent := -1
	progressPath := filepath.Join(folder, progressSentinel)
	err = o.client.Upload(ctx, dest, func(sent, total int64) {
		if total <= 0 {
			return
		}
		percent := int(sent * 100 / total)
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		_ = os.WriteFile(progressPath, []byte(strconv.Itoa(percent)), 0o644)
		logf("PACS upload progress%s: %d%% (%s)", label, percent, filepath.Base(path))
	})
	if err != nil {
		return "", err
	}

	if sopUID != "" {
		if o.client.Confirm(ctx, sopUID, seriesUID) {
			logf("PACS upload confirmed%s: %s", label, filepath.Base(path))
		} else {
			logf("PACS upload not confirmed%s: %s", label, filepath.Base(path))
			return "", fmt.Errorf("upload not confirmed")
		}
	} else {
		logf("PACS upload completed%s: %s (no SOPInstanceUID)", label, filepath.Base(path))
	}

	return studyUID, nil
}

// discoverDicomFiles returns every *.dcm file directly under folder
// (not recursively, and never inside tempDir), sorted for a
// deterministic upload order.
func discoverDicomFiles(folder, tempDir string) []string {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ".dcm" {
			continue
		}
		files = append(files, filepath.Join(folder, e.Name()))
	}
	_ = tempDir
	sort.Strings(files)
	return files
}

// stageTempCopy copies src into tempDir, renaming on a same-name
// size-mismatched collision with an epoch-millisecond suffix, exactly
// as the original's _upload_folder_worker does.
func stageTempCopy(src, tempDir string) (string, error) {
	dest := filepath.Join(tempDir, filepath.Base(src))
	if info, err := os.Stat(dest); err == nil {
		srcInfo, srcErr := os.Stat(src)
		if srcErr != nil || info.Size() != srcInfo.Size() {
			ext := filepath.Ext(src)
			stem := strings.TrimSuffix(filepath.Base(src), ext)
			if ext == "" {
				ext = ".dcm"
			}
			dest = filepath.Join(tempDir, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixMilli(), ext))
		}
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}
