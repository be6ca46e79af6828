package appointmentstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s, err := New(filepath.Join(dir, "appointments.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddOrUpdateRejectsStaleNonce(t *testing.T) {
	s := newTestStore(t)

	a1 := &models.Appointment{ID: "a1", StateLocator: "loc-1", Nonce: 5}
	updated, err := s.AddOrUpdateByStateLocator(a1)
	require.NoError(t, err)
	assert.True(t, updated)

	stale := &models.Appointment{ID: "a2", StateLocator: "loc-1", Nonce: 3}
	updated, err = s.AddOrUpdateByStateLocator(stale)
	require.NoError(t, err)
	assert.False(t, updated)

	got, ok, err := s.GetByID("a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a1, got)

	_, ok, err = s.GetByID("a2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddOrUpdateReplacesOnHigherNonce(t *testing.T) {
	s := newTestStore(t)

	a1 := &models.Appointment{ID: "a1", StateLocator: "loc-1", Nonce: 5}
	_, err := s.AddOrUpdateByStateLocator(a1)
	require.NoError(t, err)

	a2 := &models.Appointment{ID: "a2", StateLocator: "loc-1", Nonce: 6}
	updated, err := s.AddOrUpdateByStateLocator(a2)
	require.NoError(t, err)
	assert.True(t, updated)

	_, ok, err := s.GetByID("a1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.GetByID("a2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a2, got)
}

func TestRemoveByID(t *testing.T) {
	s := newTestStore(t)

	a1 := &models.Appointment{ID: "a1", StateLocator: "loc-1", Nonce: 1}
	_, err := s.AddOrUpdateByStateLocator(a1)
	require.NoError(t, err)

	require.NoError(t, s.RemoveByID("a1"))

	_, ok, err := s.GetByID("a1")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReopeningStoreReloadsCache(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	dbPath := filepath.Join(dir, "appointments.db")

	s1, err := New(dbPath, logger)
	require.NoError(t, err)
	_, err = s1.AddOrUpdateByStateLocator(&models.Appointment{ID: "a1", StateLocator: "loc-1", Nonce: 1})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(dbPath, logger)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.GetByID("a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "loc-1", got.StateLocator)
}
