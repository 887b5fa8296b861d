// Package caselayout derives the source and staging directory paths
// for a given day, per spec.md §4.3. All paths are created with their
// full parent chain, mirroring the original's ensure_today_folder /
// ensure_today_staging_folder.
package caselayout

import (
	"os"
	"path/filepath"
	"time"
)

const dateKeyFormat = "02-01-2006" // DD-MM-YYYY

// DateKey formats t as the DD-MM-YYYY leaf directory name spec.md §3
// defines.
func DateKey(t time.Time) string {
	return t.Format(dateKeyFormat)
}

// Planner derives today/yesterday root and staging paths from a fixed
// pair of configured roots.
type Planner struct {
	RootPath    string
	StagingPath string
}

func New(rootPath, stagingPath string) Planner {
	return Planner{RootPath: rootPath, StagingPath: stagingPath}
}

// TodayRoot returns rootPath/DD-MM-YYYY for now, creating it if
// necessary.
func (p Planner) TodayRoot(now time.Time) (string, error) {
	return p.rootFor(now)
}

func (p Planner) YesterdayRoot(now time.Time) (string, error) {
	return p.rootFor(now.Add(-24 * time.Hour))
}

func (p Planner) rootFor(day time.Time) (string, error) {
	dir := filepath.Join(p.RootPath, DateKey(day))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// TodayStaging returns stagingPath/Staging/YYYY/MM-YYYY/DD-MM-YYYY for
// now, creating every missing parent.
func (p Planner) TodayStaging(now time.Time) (string, error) {
	return p.stagingFor(now)
}

func (p Planner) YesterdayStaging(now time.Time) (string, error) {
	return p.stagingFor(now.Add(-24 * time.Hour))
}

func (p Planner) stagingFor(day time.Time) (string, error) {
	dir := filepath.Join(
		p.StagingPath,
		"Staging",
		day.Format("2006"),
		day.Format("01-2006"),
		DateKey(day),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// CaseStagingDir returns the per-case staging root under a day's
// staging directory: <stagingDay>/<caseName>.
func CaseStagingDir(dayStaging, caseName string) string {
	return filepath.Join(dayStaging, caseName)
}

const (
	AttachmentsDir = "Attachments"
	DicomsDir      = "Dicoms"
	OrthancDir     = "Orthanc"
)
