package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is one entry in the local task index. The server owns the
// conversation; this index only exists so the task list renders instantly
// and stays recency-ordered across restarts.
type TaskRecord struct {
	ID        string
	Title     string
	Favorite  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStore is the sqlite-backed task index.
type TaskStore struct {
	Root   string
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error
}

func NewTaskStore(root string) (*TaskStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &TaskStore{
		Root:   root,
		dbPath: filepath.Join(root, "forgechat.db"),
	}
	// Initialize eagerly so callers fail fast.
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT,
				favorite INTEGER NOT NULL DEFAULT 0,
				created_at_ns INTEGER NOT NULL,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at_ns);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}

		s.db = db
	})
	return s.err
}

func (s *TaskStore) dbConn() (*sql.DB, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("task store unavailable")
	}
	return db, nil
}

// Upsert records a task, replacing the title when a non-empty one is given.
func (s *TaskStore) Upsert(taskID, title string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("missing task id")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err = db.Exec(
		`INSERT INTO tasks(id, title, favorite, created_at_ns, updated_at_ns)
		 VALUES(?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE tasks.title END,
			updated_at_ns = excluded.updated_at_ns`,
		taskID, title, now, now,
	)
	return err
}

// Touch bumps the task's recency so it sorts to the top of the list. A
// touch on an unknown id creates the row.
func (s *TaskStore) Touch(taskID string) error {
	return s.Upsert(taskID, "")
}

// SetFavorite pins or unpins a task.
func (s *TaskStore) SetFavorite(taskID string, favorite bool) error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	fav := 0
	if favorite {
		fav = 1
	}
	res, err := db.Exec(`UPDATE tasks SET favorite = ? WHERE id = ?`, fav, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("task not found")
	}
	return nil
}

// Delete drops a task from the index.
func (s *TaskStore) Delete(taskID string) error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
	return err
}

// List returns every known task, favorites first, then most recent first.
func (s *TaskStore) List() ([]TaskRecord, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, COALESCE(title, ''), favorite, created_at_ns, updated_at_ns
		 FROM tasks ORDER BY favorite DESC, updated_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var fav int
		var createdNS, updatedNS int64
		if err := rows.Scan(&rec.ID, &rec.Title, &fav, &createdNS, &updatedNS); err != nil {
			return nil, err
		}
		rec.Favorite = fav != 0
		rec.CreatedAt = time.Unix(0, createdNS)
		rec.UpdatedAt = time.Unix(0, updatedNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get looks up a single task; nil when absent.
func (s *TaskStore) Get(taskID string) (*TaskRecord, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	var rec TaskRecord
	var fav int
	var createdNS, updatedNS int64
	err = db.QueryRow(
		`SELECT id, COALESCE(title, ''), favorite, created_at_ns, updated_at_ns
		 FROM tasks WHERE id = ?`, taskID,
	).Scan(&rec.ID, &rec.Title, &fav, &createdNS, &updatedNS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Favorite = fav != 0
	rec.CreatedAt = time.Unix(0, createdNS)
	rec.UpdatedAt = time.Unix(0, updatedNS)
	return &rec, nil
}

// Close releases the underlying database handle.
func (s *TaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
