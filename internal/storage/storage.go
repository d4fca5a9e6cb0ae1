package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for alignment runs, per-block
// completions and tile pair measurements. The block ledger is what makes
// crashed multi-hour runs resumable instead of restartable.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alignment_runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            fingerprint TEXT,
            fix_path TEXT,
            move_path TEXT,
            output_path TEXT,
            params_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS block_completions (
            fingerprint TEXT NOT NULL,
            block_index INTEGER NOT NULL,
            origin TEXT,
            completed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (fingerprint, block_index)
        );`,
		`CREATE TABLE IF NOT EXISTS tile_pairs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            tile_a TEXT,
            tile_b TEXT,
            shift_z REAL, shift_y REAL, shift_x REAL,
            correlation REAL,
            accepted BOOLEAN,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON alignment_runs(fingerprint);`,
		`CREATE INDEX IF NOT EXISTS idx_tile_pairs_run ON tile_pairs(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	Kind        string
	Status      string
	Fingerprint string
	FixPath     string
	MovePath    string
	OutputPath  string
	ParamsJSON  string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TilePairRecord captures one pairwise shift measurement.
type TilePairRecord struct {
	RunID       string
	TileA       string
	TileB       string
	Shift       [3]float64
	Correlation float64
	Accepted    bool
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO alignment_runs
        (id, kind, status, fingerprint, fix_path, move_path, output_path, params_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Status, rec.Fingerprint, rec.FixPath, rec.MovePath, rec.OutputPath, rec.ParamsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE alignment_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status, meta and error message.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE alignment_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=?, params_json=COALESCE(NULLIF(?,''), params_json) WHERE id=?;`,
		status, errMsg, string(metaJSON), id)
	return err
}

// RecordBlockDone marks one block finished for the given run fingerprint.
func (s *Store) RecordBlockDone(fingerprint string, block int, origin [3]int) error {
	if s == nil {
		return nil
	}
	originStr := fmt.Sprintf("%d,%d,%d", origin[0], origin[1], origin[2])
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO block_completions (fingerprint, block_index, origin) VALUES (?, ?, ?);`,
		fingerprint, block, originStr)
	return err
}

// CompletedBlocks returns the set of block indices already finished for a
// run fingerprint.
func (s *Store) CompletedBlocks(fingerprint string) (map[int]bool, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT block_index FROM block_completions WHERE fingerprint=?;`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		done[idx] = true
	}
	return done, rows.Err()
}

// ClearBlocks drops ledger entries for a fingerprint, forcing a full rerun.
func (s *Store) ClearBlocks(fingerprint string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM block_completions WHERE fingerprint=?;`, fingerprint)
	return err
}

// RecordTilePair persists one pairwise shift measurement.
func (s *Store) RecordTilePair(rec TilePairRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO tile_pairs (run_id, tile_a, tile_b, shift_z, shift_y, shift_x, correlation, accepted)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.TileA, rec.TileB, rec.Shift[0], rec.Shift[1], rec.Shift[2], rec.Correlation, rec.Accepted)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, status, COALESCE(fingerprint,''), COALESCE(fix_path,''),
        COALESCE(move_path,''), COALESCE(output_path,''), COALESCE(params_json,''),
        created_at, started_at, completed_at, error_message
        FROM alignment_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.Fingerprint, &rec.FixPath,
			&rec.MovePath, &rec.OutputPath, &rec.ParamsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
