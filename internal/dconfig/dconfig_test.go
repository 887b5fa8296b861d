package dconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, institution string) {
	t.Helper()
	data := `{"rootPath":"/cases","institutionName":"` + institution + `"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestStoreLoadsAndCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, "Acme Dental")

	s := NewStore(path)
	cfg, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "Acme Dental", cfg.InstitutionName)
	require.Equal(t, "/cases", cfg.RootPath)
}

func TestStoreReloadsOnModTimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, "Acme Dental")

	s := NewStore(path)
	s.lastProbe = time.Time{} // force an immediate stat on first Get
	_, err := s.Get()
	require.NoError(t, err)

	// simulate enough time passing for the next probe to be allowed,
	// then mutate the backing file with a later mtime.
	s.mu.Lock()
	s.lastProbe = time.Now().Add(-2 * minReloadInterval)
	s.mu.Unlock()

	writeConfig(t, path, "New Name Dental")
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	cfg, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "New Name Dental", cfg.InstitutionName)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, "Acme Dental")

	t.Setenv("PACS_BASE_URL", "https://env.example.com")
	t.Setenv("PACS_CLIENT_ID", "env-client")

	s := NewStore(path)
	cfg, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com", cfg.PACSBaseURL)
	require.Equal(t, "env-client", cfg.PACSClientID)
}
