// Package keystore owns the authoritative set of API key records. The
// in-memory map is the source of truth; the JSON snapshot on disk is a
// best-effort mirror written atomically and no more often than the
// configured debounce window.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BeaconWorks/beacon/models"
)

var (
	ErrNoKeys      = errors.New("no api keys configured")
	ErrKeyNotFound = errors.New("api key not found")
)

type Config struct {
	Logger       *slog.Logger
	SnapshotPath string
	Debounce     time.Duration

	// Defaults applied to keys bootstrapped from the environment.
	DefaultRateLimitPerMinute float64
	DefaultBurst              int
}

type Store struct {
	logger   *slog.Logger
	path     string
	debounce time.Duration

	defaultRPM   float64
	defaultBurst int

	mu      sync.RWMutex
	records map[string]models.APIKeyRecord

	// Persistence scheduling state. Guarded by pmu, never by mu, so a
	// slow disk cannot stall readers of the record set.
	pmu         sync.Mutex
	pending     *time.Timer
	lastPersist time.Time
	closed      bool
}

func New(cfg Config) *Store {
	return &Store{
		logger:       cfg.Logger,
		path:         cfg.SnapshotPath,
		debounce:     cfg.Debounce,
		defaultRPM:   cfg.DefaultRateLimitPerMinute,
		defaultBurst: cfg.DefaultBurst,
		records:      make(map[string]models.APIKeyRecord),
	}
}

/*
	Load reads the snapshot file if one exists; otherwise it bootstraps
	from the BEACON_API_KEYS environment variable (comma separated keys,
	given the configured default limits). A gateway with zero valid
	callers cannot meaningfully run, so that case is an error the entry
	point treats as fatal.
*/
func (s *Store) Load(envKeys string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var records []models.APIKeyRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("snapshot %s is corrupt: %w", s.path, err)
		}
		for _, rec := range records {
			s.records[rec.Key] = rec
		}
		s.logger.Info("Loaded key snapshot", "path", s.path, "count", len(s.records))
	case os.IsNotExist(err):
		for _, key := range strings.Split(envKeys, ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			s.records[key] = models.APIKeyRecord{
				Key:                key,
				RateLimitPerMinute: s.defaultRPM,
				Burst:              s.defaultBurst,
				Enabled:            true,
				Admin:              true, // bootstrap keys administer the gateway
				CreatedAt:          time.Now().UTC(),
			}
		}
		s.logger.Info("No snapshot found, bootstrapped from environment", "count", len(s.records))
	default:
		return fmt.Errorf("could not read snapshot %s: %w", s.path, err)
	}

	if len(s.records) == 0 {
		return ErrNoKeys
	}
	return nil
}

func (s *Store) Lookup(key string) (models.APIKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *Store) List() []models.APIKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Touch updates the record's last-used timestamp in memory and schedules
// a debounced snapshot write. It never blocks on disk I/O.
func (s *Store) Touch(key string) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if ok {
		rec.LastUsedAt = time.Now().UTC()
		s.records[key] = rec
	}
	s.mu.Unlock()

	if ok {
		s.schedulePersist()
	}
}

// Upsert creates or replaces a record and persists immediately. Admin
// operations are rare enough that write amplification is not a concern.
func (s *Store) Upsert(rec models.APIKeyRecord) {
	s.mu.Lock()
	s.records[rec.Key] = rec
	s.mu.Unlock()

	s.persistNow()
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, ok := s.records[key]
	if ok {
		delete(s.records, key)
	}
	s.mu.Unlock()

	if !ok {
		return ErrKeyNotFound
	}
	s.persistNow()
	return nil
}

// Close flushes a pending dirty snapshot and stops the debounce timer.
func (s *Store) Close() error {
	s.pmu.Lock()
	s.closed = true
	dirty := s.pending != nil
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.pmu.Unlock()

	if dirty {
		if err := s.Persist(); err != nil {
			s.logger.Error("Final snapshot flush failed", "error", err)
			return err
		}
	}
	return nil
}

func (s *Store) schedulePersist() {
	s.pmu.Lock()
	defer s.pmu.Unlock()

	if s.closed || s.pending != nil {
		return
	}

	// Never write more often than the debounce window, however many
	// touches arrive in the meantime.
	delay := s.debounce - time.Since(s.lastPersist)
	if delay < 0 {
		delay = 0
	}

	s.pending = time.AfterFunc(delay, func() {
		s.pmu.Lock()
		s.pending = nil
		s.lastPersist = time.Now()
		s.pmu.Unlock()

		if err := s.Persist(); err != nil {
			// Non-fatal: memory stays authoritative and the next touch
			// schedules a retry.
			s.logger.Error("Debounced snapshot write failed", "path", s.path, "error", err)
		}
	})
}

func (s *Store) persistNow() {
	s.pmu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.lastPersist = time.Now()
	s.pmu.Unlock()

	if err := s.Persist(); err != nil {
		s.logger.Error("Snapshot write failed", "path", s.path, "error", err)
	}
}

/*
	Persist writes the full record set with write-temp-then-rename
	semantics and owner-only permissions. Records are sorted by key so the
	same state always produces byte-identical files.
*/
func (s *Store) Persist() error {
	s.mu.RLock()
	records := s.sortedLocked()
	s.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal key records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create snapshot dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.json")
	if err != nil {
		return fmt.Errorf("could not create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write temp snapshot: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not chmod temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) sortedLocked() []models.APIKeyRecord {
	records := make([]models.APIKeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records
}
