// Package scandriver implements the top-level "today scan" / "yesterday
// recovery" loops the service host ticks, wiring caselayout through
// caseclassifier and stager to uploader, per spec.md §4.9.
//
// Grounded on original_source/services/folder_monitor.py's
// process_cases / process_yesterday_cases outer loops, with per-case
// fan-out bounded by golang.org/x/sync/errgroup.Group.SetLimit the way
// perkeep.org's importer package bounds concurrent per-item work.
package scandriver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dentscan/agent/internal/caseclassifier"
	"github.com/dentscan/agent/internal/caselayout"
	"github.com/dentscan/agent/internal/dicom"
	"github.com/dentscan/agent/internal/pacsclient"
	"github.com/dentscan/agent/internal/stager"
	"github.com/dentscan/agent/internal/uploader"
)

// YesterdayRecoveryLabel is appended to the label set of any case the
// yesterday-recovery pass stages, so the resulting Orthanc study is
// distinguishable from one staged during its own day.
const YesterdayRecoveryLabel = "Yesterday-Recovery"

// maxConcurrentCases bounds how many cases a single scan tick
// classifies and stages at once; upload kickoffs beyond this point run
// detached, and only the per-file uploads inside each folder are
// bounded, by the uploader's own gate.
const maxConcurrentCases = 4

type Logf func(format string, args ...any)

// Driver runs one today-scan or yesterday-recovery pass at a time; the
// service host is responsible for ticking RunToday and RunYesterday.
type Driver struct {
	Planner         caselayout.Planner
	Orch            *uploader.Orchestrator
	Client          *pacsclient.Client
	InstitutionName string
	Logf            Logf
}

func New(planner caselayout.Planner, orch *uploader.Orchestrator, client *pacsclient.Client, institutionName string, logf Logf) *Driver {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Driver{
		Planner:         planner,
		Orch:            orch,
		Client:          client,
		InstitutionName: institutionName,
		Logf:            logf,
	}
}

// RunToday sweeps today's root: every eligible case is classified and
// staged, and its upload is kicked off in the background without the
// sweep waiting on it. One case's failure never stops the sweep.
func (d *Driver) RunToday(ctx context.Context) error {
	now := time.Now()
	root, err := d.Planner.TodayRoot(now)
	if err != nil {
		return err
	}
	staging, err := d.Planner.TodayStaging(now)
	if err != nil {
		return err
	}
	return d.sweep(ctx, root, staging, nil)
}

// RunYesterday recovers cases left incomplete under yesterday's root:
// a fully uploaded case is skipped, a staged-but-not-uploaded case is
// re-uploaded without re-staging, and anything else runs the full
// staging-and-upload pass carrying YesterdayRecoveryLabel.
func (d *Driver) RunYesterday(ctx context.Context) error {
	now := time.Now()
	root, err := d.Planner.YesterdayRoot(now)
	if err != nil {
		return err
	}
	staging, err := d.Planner.YesterdayStaging(now)
	if err != nil {
		return err
	}
	return d.sweep(ctx, root, staging, []string{YesterdayRecoveryLabel})
}

func (d *Driver) sweep(ctx context.Context, root, staging string, extraLabels []string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(maxConcurrentCases)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.IsDir() || !caseclassifier.IsCase(e.Name()) {
			continue
		}
		caseName := e.Name()
		casePath := filepath.Join(root, caseName)
		caseStaging := caselayout.CaseStagingDir(staging, caseName)

		grp.Go(func() error {
			if grpCtx.Err() != nil {
				return nil
			}
			d.processCase(grpCtx, casePath, caseStaging, caseName, extraLabels)
			return nil
		})
	}

	return grp.Wait()
}

// processCase handles one case end to end. extraLabels != nil signals
// the yesterday-recovery path: an already-uploaded case is skipped, a
// staged-but-unuploaded one is re-uploaded as-is, and anything else
// runs staging first.
func (d *Driver) processCase(ctx context.Context, casePath, caseStaging, caseName string, extraLabels []string) {
	orthancDir := filepath.Join(caseStaging, caselayout.OrthancDir)

	if extraLabels != nil {
		if d.orthancFullyUploaded(ctx, orthancDir) {
			return
		}
		if hasStagedOutput(orthancDir) {
			d.Orch.UploadFolder(ctx, orthancDir, caseName, extraLabels, d.Logf)
			return
		}
	}

	dicomsDir := filepath.Join(caseStaging, caselayout.DicomsDir)
	attachmentsDir := filepath.Join(caseStaging, caselayout.AttachmentsDir)
	if err := os.MkdirAll(dicomsDir, 0o755); err != nil {
		d.Logf("scandriver: failed to prepare Dicoms/ for %s: %v", caseName, err)
		return
	}
	if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
		d.Logf("scandriver: failed to prepare Attachments/ for %s: %v", caseName, err)
		return
	}

	contents, err := caseclassifier.Classify(casePath, dicomsDir, attachmentsDir, d.Logf)
	if err != nil {
		d.Logf("scandriver: classify failed for %s: %v", caseName, err)
		return
	}
	if !contents.HasAnyDicom() && len(contents.PDFFiles) == 0 && len(contents.ImageFiles) == 0 {
		return
	}

	labels, err := stager.Stage(contents, orthancDir, d.InstitutionName, d.Logf)
	if err != nil {
		d.Logf("scandriver: staging failed for %s: %v", caseName, err)
		return
	}
	labels = append(labels, extraLabels...)

	go d.Orch.UploadFolder(context.WithoutCancel(ctx), orthancDir, caseName, labels, d.Logf)
}

// orthancFullyUploaded reports whether the first DICOM file under
// orthancDir is already present in PACS, per spec.md §4.9's "first
// DICOM under Orthanc/ satisfies exists" recovery rule.
func (d *Driver) orthancFullyUploaded(ctx context.Context, orthancDir string) bool {
	path, ok := firstDicomFile(orthancDir)
	if !ok {
		return false
	}
	sopUID, seriesUID, ok := readInstanceUIDs(path)
	if !ok {
		return false
	}
	exists, err := d.Client.Exists(ctx, sopUID, seriesUID)
	return err == nil && exists
}

func hasStagedOutput(orthancDir string) bool {
	_, ok := firstDicomFile(orthancDir)
	return ok
}

func readInstanceUIDs(path string) (sopUID, seriesUID string, ok bool) {
	meta, ds, err := dicom.ReadFile(path, dicom.ReadOptions{StopBeforePixels: true})
	if err != nil {
		return "", "", false
	}
	sopUID = ds.GetString(dicom.TagSOPInstanceUID)
	if sopUID == "" {
		sopUID = meta.MediaStorageSOPInstanceUID
	}
	seriesUID = ds.GetString(dicom.TagSeriesInstanceUID)
	return sopUID, seriesUID, sopUID != ""
}

func firstDicomFile(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".dcm" {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
