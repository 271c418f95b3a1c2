// Package storage provides persistent storage for autoheal using SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/WilBtc/autoheal/internal/types"
)

// SQLite implements the storage layer backing the learning store and the
// escalation sink.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens or creates a SQLite database.
func NewSQLite(dsn string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for packages that need direct access.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema. The partial unique index on
// escalations enforces the dedup invariant: at most one pending_review row
// per incident signature.
func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS learning_entries (
			signature TEXT PRIMARY KEY,
			entry TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signature TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending_review',
			severity INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			resolution_method TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_learning_updated ON learning_entries(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_status_created ON escalations(status, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_open_signature
			ON escalations(signature) WHERE status = 'pending_review'`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration error: %w\nSQL: %s", err, m)
		}
	}

	s.logger.Info().Msg("database migrations complete")
	return nil
}

// --- Learning entries ---

// GetLearningEntry loads one entry by signature. Returns nil when absent.
func (s *SQLite) GetLearningEntry(signature string) (*types.LearningEntry, error) {
	row := s.db.QueryRow(
		`SELECT entry, confidence, hit_count, updated_at FROM learning_entries WHERE signature = ?`,
		signature,
	)

	var blob string
	var entry types.LearningEntry
	if err := row.Scan(&blob, &entry.Confidence, &entry.HitCount, &entry.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(blob), &entry); err != nil {
		return nil, fmt.Errorf("decoding learning entry %s: %w", signature, err)
	}
	entry.Signature = signature
	return &entry, nil
}

// PutLearningEntry inserts or replaces one entry.
func (s *SQLite) PutLearningEntry(entry *types.LearningEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding learning entry: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO learning_entries (signature, entry, confidence, hit_count, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(signature) DO UPDATE SET
			entry = excluded.entry,
			confidence = excluded.confidence,
			hit_count = excluded.hit_count,
			updated_at = excluded.updated_at`,
		entry.Signature, string(blob), entry.Confidence, entry.HitCount, entry.UpdatedAt,
	)
	return err
}

// DeleteLearningEntriesBefore removes entries last updated before the cutoff.
func (s *SQLite) DeleteLearningEntriesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM learning_entries WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrimLearningEntries drops the least-recently-updated entries beyond max.
func (s *SQLite) TrimLearningEntries(max int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM learning_entries WHERE signature IN (
			SELECT signature FROM learning_entries
			ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, max,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LearningEntryCount returns the number of cached entries.
func (s *SQLite) LearningEntryCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM learning_entries`).Scan(&count)
	return count, err
}

// --- Escalations ---

// InsertEscalation persists a new escalation and returns its id.
func (s *SQLite) InsertEscalation(e *types.Escalation) (int64, error) {
	blob, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encoding escalation: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO escalations (signature, status, severity, snapshot, notes, resolution_method, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Signature, string(e.Status), int(e.Severity), string(blob),
		e.Notes, e.ResolutionMethod, e.CreatedAt, e.ResolvedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateEscalation rewrites a persisted escalation in place.
func (s *SQLite) UpdateEscalation(e *types.Escalation) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding escalation: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE escalations SET status=?, severity=?, snapshot=?, notes=?, resolution_method=?, resolved_at=? WHERE id=?`,
		string(e.Status), int(e.Severity), string(blob),
		e.Notes, e.ResolutionMethod, e.ResolvedAt, e.ID,
	)
	return err
}

// GetEscalation loads one escalation by id. Returns nil when absent.
func (s *SQLite) GetEscalation(id int64) (*types.Escalation, error) {
	row := s.db.QueryRow(
		`SELECT id, signature, status, severity, snapshot, notes, resolution_method, created_at, resolved_at
		 FROM escalations WHERE id = ?`, id,
	)
	return scanEscalation(row)
}

// GetPendingEscalationBySignature loads the non-terminal escalation for a
// signature, if one exists. This is the dedup lookup on enqueue.
func (s *SQLite) GetPendingEscalationBySignature(signature string) (*types.Escalation, error) {
	row := s.db.QueryRow(
		`SELECT id, signature, status, severity, snapshot, notes, resolution_method, created_at, resolved_at
		 FROM escalations WHERE signature = ? AND status = 'pending_review'`, signature,
	)
	return scanEscalation(row)
}

// ListEscalationsByStatus returns escalations in one status, newest first.
func (s *SQLite) ListEscalationsByStatus(status types.EscalationStatus, limit int) ([]types.Escalation, error) {
	rows, err := s.db.Query(
		`SELECT id, signature, status, severity, snapshot, notes, resolution_method, created_at, resolved_at
		 FROM escalations WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Escalation
	for rows.Next() {
		e, err := scanEscalationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// EscalationStats aggregates queue counters for the stats endpoint.
func (s *SQLite) EscalationStats() (total, pending, resolved int, avgResolution time.Duration, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*) FROM escalations`).Scan(&total)
	if err != nil {
		return
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE status = 'pending_review'`).Scan(&pending)
	if err != nil {
		return
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE status = 'resolved'`).Scan(&resolved)
	if err != nil {
		return
	}

	var avgSeconds sql.NullFloat64
	err = s.db.QueryRow(
		`SELECT AVG(strftime('%s', resolved_at) - strftime('%s', created_at))
		 FROM escalations WHERE status = 'resolved' AND resolved_at IS NOT NULL`,
	).Scan(&avgSeconds)
	if err != nil {
		return
	}
	if avgSeconds.Valid {
		avgResolution = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row *sql.Row) (*types.Escalation, error) {
	e, err := scanEscalationRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanEscalationRows(row rowScanner) (*types.Escalation, error) {
	var e types.Escalation
	var blob, status string
	var sev int
	var resolvedAt *time.Time
	if err := row.Scan(&e.ID, &e.Signature, &status, &sev, &blob,
		&e.Notes, &e.ResolutionMethod, &e.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	// The snapshot blob carries the incident, attempt log and diagnosis; the
	// columns are authoritative for everything the review API filters on.
	var snap types.Escalation
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return nil, fmt.Errorf("decoding escalation %d: %w", e.ID, err)
	}
	e.Incident = snap.Incident
	e.Attempts = snap.Attempts
	e.Diagnosis = snap.Diagnosis
	e.Status = types.EscalationStatus(status)
	e.Severity = types.Severity(sev)
	e.ResolvedAt = resolvedAt
	return &e, nil
}
