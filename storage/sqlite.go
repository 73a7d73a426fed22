package storage

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "ping ledger")
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "create ledger tables")
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, name, started_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			started_at = excluded.started_at,
			payload = excluded.payload
	`, run.ID, run.Name, run.StartedAt.UnixNano(), payload)
	return errors.Wrapf(err, "save run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return Run{}, false, errors.Wrapf(err, "run %s", id)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, name string) ([]Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM runs
		WHERE ? = '' OR name = ?
		ORDER BY started_at
	`, name, name)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEpoch(ctx context.Context, rec EpochRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	var known int
	err = db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, rec.RunID).Scan(&known)
	if err != nil {
		return errors.Wrap(err, "look up run")
	}
	if known == 0 {
		return errors.Errorf("unknown run %s", rec.RunID)
	}

	recorded := rec.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, global_step, train_loss, valid_loss, result, lr, checkpoint, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Epoch, rec.GlobalStep, nullable(&rec.TrainLoss), nullable(rec.ValidLoss),
		nullable(rec.Result), rec.LR, rec.Checkpoint, recorded.UnixNano())
	return errors.Wrapf(err, "append epoch %d of run %s", rec.Epoch, rec.RunID)
}

func (s *SQLiteStore) ListEpochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT epoch, global_step, train_loss, valid_loss, result, lr, checkpoint, recorded_at
		FROM epochs WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list epochs of run %s", runID)
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var (
			rec                  EpochRecord
			train, valid, result sql.NullFloat64
			recordedAt           int64
		)
		if err := rows.Scan(&rec.Epoch, &rec.GlobalStep, &train, &valid, &result,
			&rec.LR, &rec.Checkpoint, &recordedAt); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.TrainLoss = math.NaN()
		if train.Valid {
			rec.TrainLoss = train.Float64
		}
		if valid.Valid {
			v := valid.Float64
			rec.ValidLoss = &v
		}
		if result.Valid {
			v := result.Float64
			rec.Result = &v
		}
		rec.RecordedAt = time.Unix(0, recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

// nullable maps absent and non-finite values to NULL
func nullable(v *float64) sql.NullFloat64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epochs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			global_step INTEGER NOT NULL,
			train_loss REAL,
			valid_loss REAL,
			result REAL,
			lr REAL NOT NULL,
			checkpoint TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS epochs_by_run ON epochs (run_id, seq);
	`)
	return err
}
