package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/minasoft/ipms-mock/internal/db"
)

var ErrNotFound = errors.New("patient not found")

// Store maps natural keys to patient records and rewrites its backing file in
// full on every mutation. All access goes through one lock, so a
// read-modify-persist sequence in GetOrCreate or Update is a single critical
// section.
type Store struct {
	path    string
	mu      sync.Mutex
	records map[string]db.PatientRecord
}

// Open loads path, or starts empty when the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]db.PatientRecord),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("Patient store file not found, starting empty", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read patient store %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, fmt.Errorf("decode patient store %s: %w", path, err)
		}
	}

	slog.Info("Patient store loaded", "path", path, "patients", len(s.records))
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Get returns the record for key or ErrNotFound.
func (s *Store) Get(key string) (db.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *Store) get(key string) (db.PatientRecord, error) {
	rec, ok := s.records[key]
	if !ok {
		return db.PatientRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

// Put stores rec under key, last write wins, and persists before returning.
func (s *Store) Put(key string, rec db.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, rec)
}

func (s *Store) put(key string, rec db.PatientRecord) error {
	prev, existed := s.records[key]
	s.records[key] = rec
	if err := s.persist(); err != nil {
		if existed {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

// GetOrCreate returns the record for key, or builds one with create, stores
// it and returns it. created reports which happened. Concurrent callers with
// the same key all observe the same record.
func (s *Store) GetOrCreate(key string, create func() (db.PatientRecord, error)) (rec db.PatientRecord, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, err := s.get(key); err == nil {
		return rec, false, nil
	}

	rec, err = create()
	if err != nil {
		return db.PatientRecord{}, false, err
	}
	if err := s.put(key, rec); err != nil {
		return db.PatientRecord{}, false, err
	}
	return rec, true, nil
}

// Update applies fn to the record for key under the store lock. The record
// is persisted only when fn reports a change.
func (s *Store) Update(key string, fn func(rec *db.PatientRecord) (changed bool, err error)) (db.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return db.PatientRecord{}, err
	}
	changed, err := fn(&rec)
	if err != nil {
		return db.PatientRecord{}, err
	}
	if !changed {
		return rec, nil
	}
	if err := s.put(key, rec); err != nil {
		return db.PatientRecord{}, err
	}
	return rec, nil
}

// List returns every record ordered by natural key.
func (s *Store) List() []db.PatientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.PatientRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NaturalKey < out[j].NaturalKey
	})
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// persist rewrites the whole file through a temp file and rename.
func (s *Store) persist() error {
	data, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("encode patient store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write patient store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write patient store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync patient store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write patient store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace patient store %s: %w", s.path, err)
	}
	return nil
}
