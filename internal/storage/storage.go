package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"steadyscope/internal/motion"
)

// Drivers accepted by Open. "sqlite" is pure Go; "sqlite3" links libsqlite3 through cgo.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// ErrNotFound is returned when a job or run does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs, correction runs and shifts.
type Store struct {
	DB     *sql.DB // Export for direct database access
	driver string
}

// New opens the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens (or creates) the database at path and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver reports the database/sql driver in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS correction_runs (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            input_path TEXT NOT NULL,
            output_path TEXT,
            template_path TEXT,
            frames INTEGER NOT NULL,
            height INTEGER NOT NULL,
            width INTEGER NOT NULL,
            out_height INTEGER,
            out_width INTEGER,
            method TEXT NOT NULL,
            interpolation TEXT NOT NULL,
            max_shift_w INTEGER,
            max_shift_h INTEGER,
            fallbacks INTEGER DEFAULT 0,
            intensity_offset REAL DEFAULT 0,
            mean_quality REAL,
            elapsed_ms INTEGER,
            warnings_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_shifts (
            run_id TEXT NOT NULL,
            frame INTEGER NOT NULL,
            dx REAL NOT NULL,
            dy REAL NOT NULL,
            quality REAL,
            boundary BOOLEAN DEFAULT FALSE,
            fallback BOOLEAN DEFAULT FALSE,
            PRIMARY KEY (run_id, frame)
        );`,
		`CREATE TABLE IF NOT EXISTS watch_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            job_id TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_correction_runs_job ON correction_runs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_file_path ON watch_events(file_path);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON)); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var input, output, options, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, options.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches one job by ID.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	var rec JobRecord
	var started, completed sql.NullTime
	var input, output, options, errorMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, options.String, errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RunRecord describes one completed motion correction.
type RunRecord struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id,omitempty"`
	InputPath     string           `json:"input_path"`
	OutputPath    string           `json:"output_path,omitempty"`
	TemplatePath  string           `json:"template_path,omitempty"`
	Frames        int              `json:"frames"`
	Height        int              `json:"height"`
	Width         int              `json:"width"`
	OutHeight     int              `json:"out_height"`
	OutWidth      int              `json:"out_width"`
	Method        string           `json:"method"`
	Interpolation string           `json:"interpolation"`
	MaxShiftW     int              `json:"max_shift_w"`
	MaxShiftH     int              `json:"max_shift_h"`
	Fallbacks     int              `json:"fallbacks"`
	Offset        float64          `json:"intensity_offset"`
	MeanQuality   float64          `json:"mean_quality"`
	Elapsed       time.Duration    `json:"elapsed"`
	Warnings      []motion.Warning `json:"warnings,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// RecordRun stores a run and its per-frame shifts in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord, shifts []motion.Shift) error {
	if s == nil {
		return nil
	}
	warnings, _ := json.Marshal(rec.Warnings)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO correction_runs (id, job_id, input_path, output_path, template_path, frames, height, width, out_height, out_width, method, interpolation, max_shift_w, max_shift_h, fallbacks, intensity_offset, mean_quality, elapsed_ms, warnings_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobID, rec.InputPath, rec.OutputPath, rec.TemplatePath, rec.Frames, rec.Height, rec.Width, rec.OutHeight, rec.OutWidth,
		rec.Method, rec.Interpolation, rec.MaxShiftW, rec.MaxShiftH, rec.Fallbacks, rec.Offset, rec.MeanQuality, rec.Elapsed.Milliseconds(), string(warnings))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frame_shifts WHERE run_id=?;`, rec.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO frame_shifts (run_id, frame, dx, dy, quality, boundary, fallback) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, sh := range shifts {
		if _, err := stmt.ExecContext(ctx, rec.ID, i, sh.DX, sh.DY, sh.Quality, sh.Boundary, sh.Fallback); err != nil {
			return fmt.Errorf("insert shift %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, job_id, input_path, output_path, template_path, frames, height, width, out_height, out_width, method, interpolation, max_shift_w, max_shift_h, fallbacks, intensity_offset, mean_quality, elapsed_ms, warnings_json, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var jobID, output, tmpl, warnings sql.NullString
	var outH, outW sql.NullInt64
	var quality sql.NullFloat64
	var elapsedMS int64
	err := row.Scan(&rec.ID, &jobID, &rec.InputPath, &output, &tmpl, &rec.Frames, &rec.Height, &rec.Width, &outH, &outW,
		&rec.Method, &rec.Interpolation, &rec.MaxShiftW, &rec.MaxShiftH, &rec.Fallbacks, &rec.Offset, &quality, &elapsedMS, &warnings, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.JobID, rec.OutputPath, rec.TemplatePath = jobID.String, output.String, tmpl.String
	rec.OutHeight, rec.OutWidth = int(outH.Int64), int(outW.Int64)
	rec.MeanQuality = quality.Float64
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if warnings.Valid && warnings.String != "" && warnings.String != "null" {
		if err := json.Unmarshal([]byte(warnings.String), &rec.Warnings); err != nil {
			return rec, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return rec, nil
}

// Run fetches one correction run by ID.
func (s *Store) Run(ctx context.Context, id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM correction_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// RecentRuns lists the latest runs up to limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM correction_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunShifts returns the frame-ordered shifts of a run.
func (s *Store) RunShifts(ctx context.Context, id string) ([]motion.Shift, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT dx, dy, quality, boundary, fallback FROM frame_shifts WHERE run_id=? ORDER BY frame;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []motion.Shift
	for rows.Next() {
		var sh motion.Shift
		var quality sql.NullFloat64
		if err := rows.Scan(&sh.DX, &sh.DY, &quality, &sh.Boundary, &sh.Fallback); err != nil {
			return nil, err
		}
		sh.Quality = quality.Float64
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.Run(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WatchEvent records a file noticed by the directory watcher.
type WatchEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
	JobID     string
}

// RecordWatchEvent appends a watcher event.
func (s *Store) RecordWatchEvent(ev WatchEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO watch_events (file_path, event_type, event_time, file_size, job_id) VALUES (?, ?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime.UTC(), ev.FileSize, ev.JobID)
	return err
}

// WatchEvents returns events for path, oldest first.
func (s *Store) WatchEvents(path string) ([]WatchEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, event_type, event_time, file_size, job_id FROM watch_events WHERE file_path=? ORDER BY id;`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchEvent
	for rows.Next() {
		var ev WatchEvent
		var size sql.NullInt64
		var job sql.NullString
		if err := rows.Scan(&ev.FilePath, &ev.EventType, &ev.EventTime, &size, &job); err != nil {
			return nil, err
		}
		ev.FileSize, ev.JobID = size.Int64, job.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
