// Package learning maintains the persistent memory of past diagnoses: which
// root cause a signature mapped to and which fix actually resolved it.
// Entries expire on a TTL and the store is bounded, evicting the least
// recently touched entries first.
package learning

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/storage"
	"github.com/WilBtc/autoheal/internal/types"
)

// lockStripes bounds the per-signature mutex table. Two signatures sharing a
// stripe serialize needlessly, which is harmless.
const lockStripes = 64

// firstSuccessFloor is the confidence assigned the first time a fix is
// confirmed to work, regardless of how unsure the diagnosis was.
const firstSuccessFloor = 0.80

// successBoost is added per subsequent confirmed success, capped at 1.0.
const successBoost = 0.05

// Store wraps the persistence layer with read-modify-write semantics. All
// mutation of one signature happens under that signature's stripe lock, so
// concurrent incidents with the same fingerprint cannot lose updates.
type Store struct {
	cfg    config.LearningConfig
	db     *storage.SQLite
	logger zerolog.Logger
	locks  [lockStripes]sync.Mutex
}

func NewStore(cfg config.LearningConfig, db *storage.SQLite, logger zerolog.Logger) *Store {
	return &Store{
		cfg:    cfg,
		db:     db,
		logger: logger.With().Str("component", "learning").Logger(),
	}
}

func (s *Store) lock(signature string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(signature))
	return &s.locks[h.Sum32()%lockStripes]
}

// Lookup returns the entry for a signature, bumping its hit count and
// recency, or nil when the signature is unknown or the entry has aged past
// the TTL.
func (s *Store) Lookup(signature string) (*types.LearningEntry, error) {
	mu := s.lock(signature)
	mu.Lock()
	defer mu.Unlock()

	entry, err := s.db.GetLearningEntry(signature)
	if err != nil || entry == nil {
		return nil, err
	}
	if time.Since(entry.UpdatedAt) > s.cfg.EntryTTL() {
		return nil, nil
	}

	entry.HitCount++
	entry.UpdatedAt = time.Now().UTC()
	if err := s.db.PutLearningEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Record stores or refreshes the diagnosis for a signature. An existing
// entry keeps its hit count and its successful fix; the diagnosis and
// confidence are replaced only when the new diagnosis is at least as
// confident.
func (s *Store) Record(signature string, diag types.Diagnosis) error {
	mu := s.lock(signature)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	existing, err := s.db.GetLearningEntry(signature)
	if err != nil {
		return err
	}

	entry := &types.LearningEntry{
		Signature:  signature,
		Diagnosis:  diag,
		Confidence: diag.Confidence,
		HitCount:   1,
		UpdatedAt:  now,
	}
	if existing != nil {
		entry.HitCount = existing.HitCount
		entry.SuccessfulFix = existing.SuccessfulFix
		if existing.Confidence > diag.Confidence {
			entry.Diagnosis = existing.Diagnosis
			entry.Confidence = existing.Confidence
		}
	}

	if err := s.db.PutLearningEntry(entry); err != nil {
		return err
	}
	return s.enforceBounds()
}

// RecordSuccess marks a fix as having resolved the signature. Confidence
// jumps to the floor on the first success and creeps upward on repeats.
// Only a brand-new entry gets a hit here; repeat incidents are counted
// once, by Lookup.
func (s *Store) RecordSuccess(signature string, diag types.Diagnosis, fix types.SuggestedFix) error {
	mu := s.lock(signature)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	entry, err := s.db.GetLearningEntry(signature)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &types.LearningEntry{Signature: signature, HitCount: 1}
	}

	if !diag.Empty() {
		entry.Diagnosis = diag
	}
	entry.SuccessfulFix = &fix
	entry.UpdatedAt = now

	if entry.Confidence < firstSuccessFloor {
		entry.Confidence = firstSuccessFloor
	} else {
		entry.Confidence += successBoost
		if entry.Confidence > 1.0 {
			entry.Confidence = 1.0
		}
	}

	s.logger.Info().
		Str("signature", signature).
		Str("strategy", fix.Strategy).
		Float64("confidence", entry.Confidence).
		Msg("learned a working fix")

	if err := s.db.PutLearningEntry(entry); err != nil {
		return err
	}
	return s.enforceBounds()
}

// Forget drops an entry, used when a recalled fix stops working.
func (s *Store) Forget(signature string) error {
	mu := s.lock(signature)
	mu.Lock()
	defer mu.Unlock()

	entry, err := s.db.GetLearningEntry(signature)
	if err != nil || entry == nil {
		return err
	}
	entry.SuccessfulFix = nil
	entry.Confidence = 0
	entry.UpdatedAt = time.Now().UTC()
	return s.db.PutLearningEntry(entry)
}

// EvictExpired removes entries older than the TTL. Run periodically by the
// maintenance scheduler.
func (s *Store) EvictExpired() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.EntryTTL())
	n, err := s.db.DeleteLearningEntriesBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("evicted", n).Msg("expired learning entries removed")
	}
	return n, nil
}

// Size returns the entry count.
func (s *Store) Size() (int, error) {
	return s.db.LearningEntryCount()
}

func (s *Store) enforceBounds() error {
	if s.cfg.MaxEntries <= 0 {
		return nil
	}
	n, err := s.db.TrimLearningEntries(s.cfg.MaxEntries)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug().Int64("trimmed", n).Msg("learning store trimmed to capacity")
	}
	return nil
}
