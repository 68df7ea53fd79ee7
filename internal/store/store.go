// Package store persists one durable record per observed file and is the
// single source of truth for the upload pipeline. Every mutation is a
// single-row write, so lock discipline stays trivial and a process restart
// can always resume from what the table says.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for a path or identifier.
var ErrNotFound = errors.New("upload record not found")

// Store wraps the SQLite uploads table.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier installs the post-write notification hook.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithLogger sets the logger used for non-fatal store events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the uploads database at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open uploads database: %w", err)
	}
	// SQLite allows a single writer; funneling everything through one
	// connection avoids SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping uploads database: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize uploads schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created TEXT NOT NULL,
			file_path TEXT NOT NULL UNIQUE,
			file_path_zipped TEXT NOT NULL DEFAULT '',
			file_date TEXT,
			file_size INTEGER NOT NULL DEFAULT 0,
			file_size_zipped INTEGER NOT NULL DEFAULT 0,
			target_name TEXT NOT NULL DEFAULT '',
			astronomer TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			substatus TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			started TEXT,
			ended TEXT,
			duration REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			dataset_uuid TEXT NOT NULL DEFAULT '',
			dataset_name TEXT NOT NULL DEFAULT '',
			telescope_uuid TEXT NOT NULL DEFAULT '',
			telescope_name TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create uploads table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status, substatus)
	`)
	if err != nil {
		return fmt.Errorf("failed to create uploads status index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_uploads_zipped_path ON uploads(file_path_zipped)
	`)
	if err != nil {
		return fmt.Errorf("failed to create uploads zipped path index: %w", err)
	}
	return nil
}

// GetOrCreate returns the record for filePath, creating it in New/pending
// when the path was never seen. A file and its zipped counterpart share the
// same record, so the lookup also matches the alternate zipped key.
func (s *Store) GetOrCreate(filePath string) (*Upload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.get(filePath)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO uploads (created, file_path, status, substatus)
		VALUES (?, ?, ?, ?)
	`, encodeTime(&now), filePath, string(StatusNew), string(SubstatusPending))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create upload record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read new upload record id: %w", err)
	}

	u = &Upload{
		ID:        id,
		Created:   now,
		FilePath:  filePath,
		Status:    StatusNew,
		Substatus: SubstatusPending,
	}
	s.publish(u)
	return u, true, nil
}

// Get returns the record whose clear or zipped path matches filePath.
func (s *Store) Get(filePath string) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(filePath)
}

func (s *Store) get(filePath string) (*Upload, error) {
	row := s.db.QueryRow(selectColumns+`
		FROM uploads WHERE file_path = ? OR file_path_zipped = ?
	`, filePath, filePath)
	return scanUpload(row)
}

// GetByID returns the record with the given identifier.
func (s *Store) GetByID(id int64) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(selectColumns+` FROM uploads WHERE id = ?`, id)
	return scanUpload(row)
}

// Save persists every mutable field of u in one atomic write, then fires
// the notification hook. The hook is one-way: it can neither block nor fail
// the caller.
func (s *Store) Save(u *Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE uploads SET
			file_path_zipped = ?,
			file_date = ?,
			file_size = ?,
			file_size_zipped = ?,
			target_name = ?,
			astronomer = ?,
			status = ?,
			substatus = ?,
			progress = ?,
			started = ?,
			ended = ?,
			duration = ?,
			error = ?,
			dataset_uuid = ?,
			dataset_name = ?,
			telescope_uuid = ?,
			telescope_name = ?,
			organization = ?
		WHERE id = ?
	`,
		u.FilePathZipped, encodeTime(u.FileDate), u.FileSize, u.FileSizeZipped,
		u.TargetName, u.Astronomer,
		string(u.Status), string(u.Substatus), u.Progress,
		encodeTime(u.Started), encodeTime(u.Ended), u.Duration, u.Error,
		u.DatasetUUID, u.DatasetName, u.TelescopeUUID, u.TelescopeName,
		u.Organization, u.ID)
	if err != nil {
		return fmt.Errorf("failed to save upload record %d: %w", u.ID, err)
	}
	s.publish(u)
	return nil
}

// Transition validates and applies a (status, substatus) change, then
// persists the record.
func (s *Store) Transition(u *Upload, status Status, substatus Substatus) error {
	if err := ValidateTransition(u.Status, u.Substatus, status, substatus); err != nil {
		return err
	}
	u.Status = status
	u.Substatus = substatus
	return s.Save(u)
}

// SetProgress persists only the progress column. Progress moves often and
// carries no state machine meaning, so it bypasses transition validation.
func (s *Store) SetProgress(u *Upload, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Progress = progress
	_, err := s.db.Exec(`UPDATE uploads SET progress = ? WHERE id = ?`, progress, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update progress for record %d: %w", u.ID, err)
	}
	s.publish(u)
	return nil
}

// IsFinished reports whether the record for filePath reached a terminal
// success state. Unknown paths are not finished. This is the check that
// lets a fresh observer walk skip already-completed files after a restart.
func (s *Store) IsFinished(filePath string) bool {
	u, err := s.Get(filePath)
	if err != nil {
		return false
	}
	return u.IsFinished()
}

// ListPending returns up to limit records under rootPrefix awaiting
// completion: fresh records, errored records, operator restarts, and
// records a crash left mid-flight. A non-positive limit returns them all.
func (s *Store) ListPending(rootPrefix string, limit int) ([]*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(selectColumns+`
		FROM uploads
		WHERE (status = ? OR status = ? OR status = ? OR status = ? OR substatus = ?)
		  AND file_path LIKE ?
		ORDER BY id LIMIT ?
	`, string(StatusNew), string(StatusError),
		string(StatusPreparing), string(StatusUploading), string(SubstatusRestart),
		rootPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

// List returns every record under rootPrefix, newest first.
func (s *Store) List(rootPrefix string) ([]*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(selectColumns+`
		FROM uploads WHERE file_path LIKE ? ORDER BY id DESC
	`, rootPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

// Resume resets a record a previous run left mid-flight, so the pass about
// to process it counts as a fresh attempt. The substatus monotonicity rule
// holds within one attempt only; without this reset a crash during a
// transfer would wedge the record in Uploading forever. Records outside the
// in-flight statuses are left untouched. The resolved dataset survives,
// only the attempt state resets.
func (s *Store) Resume(u *Upload) error {
	if u.Status != StatusPreparing && u.Status != StatusUploading {
		return nil
	}
	u.Status = StatusNew
	u.Substatus = SubstatusPending
	u.Progress = 0
	u.Error = ""
	u.Started = nil
	u.Ended = nil
	u.Duration = 0
	return s.Save(u)
}

// Restart is the operator action forcing a stuck or finished record back
// through the pipeline on the next observer pass. It is the one sanctioned
// regression of the state machine, together with Ignore.
func (s *Store) Restart(id int64) (*Upload, error) {
	u, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	u.Status = StatusNew
	u.Substatus = SubstatusRestart
	u.Progress = 0
	u.Error = ""
	u.Started = nil
	u.Ended = nil
	u.Duration = 0
	if err := s.Save(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Ignore is the operator action marking a record as a synthetic terminal
// success without transferring any bytes.
func (s *Store) Ignore(id int64) (*Upload, error) {
	u, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	u.Status = StatusOK
	u.Substatus = SubstatusIgnored
	u.Progress = 0
	u.Error = ""
	if err := s.Save(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(u *Upload) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(u.clone())
}

const selectColumns = `
	SELECT id, created, file_path, file_path_zipped, file_date,
		file_size, file_size_zipped, target_name, astronomer,
		status, substatus, progress, started, ended, duration, error,
		dataset_uuid, dataset_name, telescope_uuid, telescope_name,
		organization
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var u Upload
	var created, fileDate, started, ended sql.NullString
	var status, substatus string

	err := row.Scan(&u.ID, &created, &u.FilePath, &u.FilePathZipped, &fileDate,
		&u.FileSize, &u.FileSizeZipped, &u.TargetName, &u.Astronomer,
		&status, &substatus, &u.Progress, &started, &ended, &u.Duration,
		&u.Error, &u.DatasetUUID, &u.DatasetName, &u.TelescopeUUID,
		&u.TelescopeName, &u.Organization)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload record: %w", err)
	}

	u.Status = Status(status)
	u.Substatus = Substatus(substatus)
	if t := decodeTime(created); t != nil {
		u.Created = *t
	}
	u.FileDate = decodeTime(fileDate)
	u.Started = decodeTime(started)
	u.Ended = decodeTime(ended)
	return &u, nil
}

func scanUploads(rows *sql.Rows) ([]*Upload, error) {
	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upload records: %w", err)
	}
	return uploads, nil
}

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func decodeTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
