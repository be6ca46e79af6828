// Package appointmentstore is the durable, indexed ledger of accepted
// appointments: looked up by ID for the ingestion API, and by state
// locator so the store itself enforces the "only the highest nonce for
// a given locator survives" rule at write time rather than read time.
package appointmentstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"pisa/pkg/models"
)

const (
	// DefaultDBPath is where the appointment ledger persists when the
	// caller doesn't override it via configuration.
	DefaultDBPath = "./data/appointments.db"

	byIDBucket           = "appointments_by_id"
	byStateLocatorBucket = "appointments_by_locator"
)

// Store is the durable, indexed appointment ledger. All mutation is
// serialized behind mu; reads are served from the in-memory mirror to
// keep GetAll/GetByID off the disk path.
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string

	mu           sync.RWMutex
	byID         map[string]*models.Appointment
	byStateLocator map[string]*models.Appointment
}

// New opens (creating if necessary) the bbolt-backed appointment store
// at dbPath and loads its contents into memory.
func New(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create appointment store directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open appointment store: %w", err)
	}

	s := &Store{
		db:             db,
		logger:         logger,
		dbPath:         dbPath,
		byID:           make(map[string]*models.Appointment),
		byStateLocator: make(map[string]*models.Appointment),
	}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init appointment store buckets: %w", err)
	}

	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load appointment store cache: %w", err)
	}

	logger.Infof("appointment store initialised, db path: %s, appointments: %d", dbPath, len(s.byID))
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(byIDBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(byStateLocatorBucket))
		return err
	})
}

func (s *Store) loadCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(byIDBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var a models.Appointment
			if err := json.Unmarshal(v, &a); err != nil {
				s.logger.Warnf("skipping corrupt appointment record %s: %v", string(k), err)
				return nil
			}
			s.byID[a.ID] = &a
			s.byStateLocator[a.StateLocator] = &a
			return nil
		})
	})
}

// AddOrUpdateByStateLocator persists appointment, replacing any
// existing appointment for the same state locator only if the new
// appointment's nonce is strictly greater. Returns whether the store
// was actually updated.
func (s *Store) AddOrUpdateByStateLocator(a *models.Appointment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleID := ""
	if existing, ok := s.byStateLocator[a.StateLocator]; ok {
		if a.Nonce <= existing.Nonce {
			return false, nil
		}
		delete(s.byID, existing.ID)
		staleID = existing.ID
	}

	s.byID[a.ID] = a
	s.byStateLocator[a.StateLocator] = a

	if err := s.persist(a); err != nil {
		return false, err
	}
	if staleID != "" && staleID != a.ID {
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(byIDBucket)).Delete([]byte(staleID))
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) persist(a *models.Appointment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal appointment %s: %w", a.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		idBucket := tx.Bucket([]byte(byIDBucket))
		if err := idBucket.Put([]byte(a.ID), data); err != nil {
			return err
		}
		locatorBucket := tx.Bucket([]byte(byStateLocatorBucket))
		return locatorBucket.Put([]byte(a.StateLocator), []byte(a.ID))
	})
}

// GetAll returns a snapshot of every appointment currently tracked.
func (s *Store) GetAll() ([]*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Appointment, 0, len(s.byID))
	for _, a := range s.byID {
		result = append(result, a)
	}
	return result, nil
}

// GetByID returns the appointment with the given ID, if any.
func (s *Store) GetByID(id string) (*models.Appointment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	return a, ok, nil
}

// RemoveByID deletes an appointment by ID from both indexes and from
// durable storage. Missing IDs are a no-op.
func (s *Store) RemoveByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	delete(s.byStateLocator, a.StateLocator)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(byIDBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(byStateLocatorBucket)).Delete([]byte(a.StateLocator))
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("closing appointment store")
		return s.db.Close()
	}
	return nil
}
