package scheduler

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// Store persists scheduled jobs in SQLite. The file is created and its
// schema initialized on first open; an existing but unreadable file is a
// startup error the caller must treat as fatal.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenStore opens (or creates) the job database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	dbPath = filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.New(errors.KindPersistence, "scheduler.open", fmt.Errorf("create schedule dir: %w", err))
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.KindPersistence, "scheduler.open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		cron_expr TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.New(errors.KindPersistence, "scheduler.initSchema", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, errors.Newf(errors.KindPersistence, "scheduler.store", "schedule store is closed")
	}
	return s.db, nil
}

// List returns every persisted job, ordered by id.
func (s *Store) List() ([]models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT id, cron_expr, action, target, enabled FROM scheduled_jobs ORDER BY id`)
	if err != nil {
		return nil, errors.New(errors.KindPersistence, "scheduler.list", err)
	}
	defer rows.Close()

	var jobs []models.ScheduledJob
	for rows.Next() {
		var job models.ScheduledJob
		var enabled int
		if err := rows.Scan(&job.ID, &job.CronExpr, &job.Action, &job.Target, &enabled); err != nil {
			return nil, errors.New(errors.KindPersistence, "scheduler.list", err)
		}
		job.Enabled = enabled != 0
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.KindPersistence, "scheduler.list", err)
	}
	return jobs, nil
}

// Put inserts or replaces one job row.
func (s *Store) Put(job models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}
	enabled := 0
	if job.Enabled {
		enabled = 1
	}
	_, err = db.Exec(
		`INSERT OR REPLACE INTO scheduled_jobs (id, cron_expr, action, target, enabled) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.CronExpr, string(job.Action), job.Target, enabled,
	)
	if err != nil {
		return errors.New(errors.KindPersistence, "scheduler.put", err)
	}
	return nil
}

// Delete removes one job row. Deleting an absent id reports NotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.New(errors.KindPersistence, "scheduler.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "scheduler.delete", "job %q not found", id)
	}
	return nil
}

// SetEnabled flips one job's enabled flag.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}
	v := 0
	if enabled {
		v = 1
	}
	res, err := db.Exec(`UPDATE scheduled_jobs SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return errors.New(errors.KindPersistence, "scheduler.setEnabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "scheduler.setEnabled", "job %q not found", id)
	}
	return nil
}
