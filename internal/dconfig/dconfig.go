// Package dconfig implements the hot-reloadable configuration record
// spec.md §3/§4.2 describes: a JSON file on disk, polled for mtime
// changes no more than twice a second, with environment variables
// overriding the PACS credentials and upload cap.
//
// The lazy-reload shape follows perkeep.org's pkg/client/config.go:
// config is parsed once, cached, and only re-read when a caller
// actually asks for it and enough time has passed to justify a
// stat(2) call.
package dconfig

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config is the process-wide, immutable-once-returned configuration
// snapshot (spec.md §3).
type Config struct {
	RootPath    string `json:"rootPath"`
	StagingPath string `json:"stagingPath"`

	APIHost string `json:"apiHost"`
	APIPort int    `json:"apiPort"`

	PACSBaseURL       string `json:"pacsBaseURL"`
	PACSTokenURL      string `json:"pacsTokenURL"`
	PACSClientID      string `json:"pacsClientId"`
	PACSClientSecret  string `json:"pacsClientSecret"`
	PACSMaxUploadKBps int    `json:"pacsMaxUploadKBps"`

	InstitutionName string `json:"institutionName"`
	AutoStart       bool   `json:"autoStart"`
}

// minReloadInterval bounds how often Get() is allowed to stat the
// backing file, per spec.md §4.2.
const minReloadInterval = 500 * time.Millisecond

// Store holds the last-loaded Config and reloads it from path when its
// mtime changes and at least minReloadInterval has elapsed since the
// last probe. A Store is safe for concurrent use.
type Store struct {
	path string

	mu        sync.RWMutex
	cfg       Config
	loaded    bool
	modTime   time.Time
	lastProbe time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the current configuration, reloading from disk first if
// due. Environment variable overrides are applied on every call so
// they always take precedence even if the file hasn't changed.
func (s *Store) Get() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.loaded || now.Sub(s.lastProbe) >= minReloadInterval {
		s.lastProbe = now
		fi, err := os.Stat(s.path)
		if err != nil {
			if !s.loaded {
				return Config{}, err
			}
			// keep serving the last good snapshot if the file
			// disappeared transiently
		} else if !s.loaded || fi.ModTime().After(s.modTime) {
			cfg, err := readConfigFile(s.path)
			if err != nil {
				return Config{}, err
			}
			s.cfg = cfg
			s.modTime = fi.ModTime()
			s.loaded = true
		}
	}

	cfg := s.cfg
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func readConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors spec.md §6: the PACS credentials and
// upload cap may be overridden by environment variables so a deployed
// agent never needs secrets written to the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PACS_BASE_URL"); v != "" {
		cfg.PACSBaseURL = v
	}
	if v := os.Getenv("PACS_TOKEN_URL"); v != "" {
		cfg.PACSTokenURL = v
	}
	if v := os.Getenv("PACS_CLIENT_ID"); v != "" {
		cfg.PACSClientID = v
	}
	if v := os.Getenv("PACS_CLIENT_SECRET"); v != "" {
		cfg.PACSClientSecret = v
	}
	if v := os.Getenv("PACS_MAX_UPLOAD_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PACSMaxUploadKBps = n / 1024
		}
	}
}
