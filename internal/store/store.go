// Package store persists opportunities as a single versioned JSON file.
//
// The whole working set is held in memory and the backing file is rewritten
// after every successful mutation. At the scale oppwatch operates (tens to a
// few hundred opportunities) this is a deliberate simplicity choice; a
// per-record arena with an index file would be the next step if the set ever
// grows into the thousands.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkoval/oppwatch/internal/opportunity"
)

const (
	fileName      = "opportunities.json"
	schemaVersion = 1
)

// envelope is the on-disk layout. The version field exists so future
// migrations can detect old files.
type envelope struct {
	Version       int                       `json:"version"`
	Opportunities []opportunity.Opportunity `json:"opportunities"`
}

// Store is a durable id -> opportunity mapping. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	path   string
	order  []string
	byID   map[string]opportunity.Opportunity
	logger *slog.Logger
	now    func() time.Time
}

// Open loads (or creates) the opportunity file under dataDir.
//
// A missing or empty file yields an empty store. A file whose top-level JSON
// cannot be parsed is treated as corrupt: it is preserved next to the
// original with a .corrupt suffix and the store starts empty, so the system
// heals itself after a partial write. Individual records that fail
// validation are skipped and logged rather than aborting the load.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s := &Store{
		path:   filepath.Join(dataDir, fileName),
		byID:   make(map[string]opportunity.Opportunity),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			logger.Error("could not preserve corrupt opportunity file", "path", s.path, "error", renameErr)
		}
		logger.Warn("opportunity file is corrupt, starting empty", "path", s.path, "backup", backup, "error", err)
		return s, nil
	}

	for _, opp := range env.Opportunities {
		if err := opp.Validate(); err != nil {
			logger.Warn("skipping invalid record in opportunity file", "id", opp.ID, "error", err)
			continue
		}
		if _, dup := s.byID[opp.ID]; dup {
			logger.Warn("skipping duplicate record in opportunity file", "id", opp.ID)
			continue
		}
		s.byID[opp.ID] = opp
		s.order = append(s.order, opp.ID)
	}
	return s, nil
}

// Create inserts a new record and rewrites the backing file.
// Returns opportunity.ErrAlreadyExists if the id is taken.
func (s *Store) Create(opp opportunity.Opportunity) error {
	if err := opp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[opp.ID]; ok {
		return fmt.Errorf("%w: %s", opportunity.ErrAlreadyExists, opp.ID)
	}

	s.byID[opp.ID] = opp
	s.order = append(s.order, opp.ID)
	if err := s.persistLocked(); err != nil {
		delete(s.byID, opp.ID)
		s.order = s.order[:len(s.order)-1]
		return err
	}
	return nil
}

// Update applies mutate to a copy of the stored record, stamps UpdatedAt,
// validates the result, and persists. The stored record is untouched when
// mutate produces an invalid record or when persisting fails. The record id
// cannot be changed.
func (s *Store) Update(id string, mutate func(*opportunity.Opportunity)) (opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[id]
	if !ok {
		return opportunity.Opportunity{}, fmt.Errorf("%w: %s", opportunity.ErrNotFound, id)
	}

	next := current
	mutate(&next)
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()

	if err := next.Validate(); err != nil {
		return opportunity.Opportunity{}, err
	}

	s.byID[id] = next
	if err := s.persistLocked(); err != nil {
		s.byID[id] = current
		return opportunity.Opportunity{}, err
	}
	return next, nil
}

// Get returns the record and whether it exists.
func (s *Store) Get(id string) (opportunity.Opportunity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opp, ok := s.byID[id]
	return opp, ok
}

// GetAll returns all records in insertion order.
func (s *Store) GetAll() []opportunity.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]opportunity.Opportunity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// GetByStatus returns all records with the given status, in insertion order.
func (s *Store) GetByStatus(status opportunity.Status) []opportunity.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []opportunity.Opportunity
	for _, id := range s.order {
		if opp := s.byID[id]; opp.Status == status {
			out = append(out, opp)
		}
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// persistLocked rewrites the full backing file. Writes go to a temp file
// first and are moved into place with a rename, so a crash mid-write leaves
// the previous file intact.
func (s *Store) persistLocked() error {
	env := envelope{
		Version:       schemaVersion,
		Opportunities: make([]opportunity.Opportunity, 0, len(s.order)),
	}
	for _, id := range s.order {
		env.Opportunities = append(env.Opportunities, s.byID[id])
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding opportunity file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
