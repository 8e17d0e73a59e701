package projectstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loom/internal/apperr"
	"loom/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestCreateDerivesDeterministicID(t *testing.T) {
	s := newTestStore(t)
	projectDir := t.TempDir()

	p, err := s.Create(projectDir, "myproj")
	require.NoError(t, err)
	require.Equal(t, domain.DeriveProjectID(projectDir), p.ID)
	require.Equal(t, domain.ProjectStopped, p.Status)
}

func TestCreateDuplicatePathConflicts(t *testing.T) {
	s := newTestStore(t)
	projectDir := t.TempDir()

	_, err := s.Create(projectDir, "one")
	require.NoError(t, err)

	_, err = s.Create(projectDir, "two")
	require.Error(t, err)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestUpdatePersistsStatusAtomically(t *testing.T) {
	s := newTestStore(t)
	projectDir := t.TempDir()
	p, err := s.Create(projectDir, "proj")
	require.NoError(t, err)

	updated, err := s.Update(p.ID, func(proj *domain.Project) {
		proj.Status = domain.ProjectRunning
	})
	require.NoError(t, err)
	require.Equal(t, domain.ProjectRunning, updated.Status)

	reloaded, err := s.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProjectRunning, reloaded.Status)

	data, err := os.ReadFile(filepath.Join(projectDir, dataDirName, statusFileName))
	require.NoError(t, err)
	var onDisk domain.Project
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, domain.ProjectRunning, onDisk.Status)
}

func TestDeleteRemovesDataDir(t *testing.T) {
	s := newTestStore(t)
	projectDir := t.TempDir()
	p, err := s.Create(projectDir, "proj")
	require.NoError(t, err)

	require.NoError(t, s.Delete(p.ID))

	_, err = s.Get(p.ID)
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoDirExists(t, filepath.Join(projectDir, dataDirName))
}

func TestNewLoadsPersistedIndex(t *testing.T) {
	globalDir := t.TempDir()
	s1, err := New(globalDir, nil)
	require.NoError(t, err)

	projectDir := t.TempDir()
	p, err := s1.Create(projectDir, "proj")
	require.NoError(t, err)

	s2, err := New(globalDir, nil)
	require.NoError(t, err)

	reloaded, err := s2.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, p.AbsolutePath, reloaded.AbsolutePath)
}

func TestGetUnknownProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nonexistent")
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
