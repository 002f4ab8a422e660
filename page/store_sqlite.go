package page

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const tableName = "nlweb_pages"

const pageSQLiteSchema = `
CREATE TABLE IF NOT EXISTS nlweb_pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT UNIQUE NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	tags TEXT,
	content TEXT,
	status TEXT DEFAULT 'active',
	lastChecked TEXT,
	responseTime INTEGER,
	createdAt TEXT NOT NULL,
	updatedAt TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nlweb_pages_updated
ON nlweb_pages(updatedAt);`

const pageColumns = `id, url, title, description, tags, content, status, lastChecked, responseTime, createdAt, updatedAt`

const (
	defaultSQLiteStoreDir = ".nlweb-mcp"
	defaultSQLiteStoreDB  = "nlweb.db"
)

// TimestampLayout is the fixed-width UTC layout of createdAt and updatedAt.
// Lexical order of formatted values equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// SQLiteStoreConfig configures the SQLite-backed page store.
type SQLiteStoreConfig struct {
	DSN string
	// Now overrides the wall clock used for timestamps.
	Now    func() time.Time
	Logger *slog.Logger
}

// SQLiteStore persists pages in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	clock  *clock
	logger *slog.Logger

	// writeMu orders timestamp stamping with the write that stores it, so
	// commits happen in stamp order.
	writeMu sync.Mutex
}

// DefaultSQLitePath returns ~/.nlweb-mcp/nlweb.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("page: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// NewDefaultSQLiteStore opens the store at DefaultSQLitePath, creating the
// directory if needed.
func NewDefaultSQLiteStore(logger *slog.Logger) (*SQLiteStore, error) {
	path, err := DefaultSQLitePath()
	if err != nil {
		return nil, err
	}
	return OpenPath(path, logger)
}

// OpenPath creates the parent directory of path and opens a store there.
func OpenPath(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && !strings.HasPrefix(strings.ToLower(path), "file:") && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageError("create directory", err)
		}
	}
	return NewSQLiteStore(SQLiteStoreConfig{DSN: path, Logger: logger})
}

// NewSQLiteStore opens the SQLite medium. Call Initialize before use.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: sqlite store dsn is required", ErrInvalidInput)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, storageError("open", err)
	}
	// One connection serializes writers so the url constraint decides races.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, storageError("set WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, storageError("set busy timeout", err)
	}

	return &SQLiteStore{
		db:     db,
		clock:  &clock{now: cfg.Now},
		logger: cfg.Logger,
	}, nil
}

// Initialize creates the page table if it does not exist. Safe to call on
// every start.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("page: sqlite store is nil")
	}
	if _, err := s.db.ExecContext(ctx, pageSQLiteSchema); err != nil {
		return storageError("create schema", err)
	}

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updatedAt) FROM nlweb_pages`).Scan(&latest); err != nil {
		return storageError("read latest timestamp", err)
	}
	if latest.Valid {
		if t, err := time.Parse(TimestampLayout, latest.String); err == nil {
			s.clock.observe(t)
		}
	}

	s.logger.Debug("page store initialized", "table", tableName)
	return nil
}

// Add inserts a page and returns its id. A url that is already registered
// fails with ErrDuplicateURL.
func (s *SQLiteStore) Add(ctx context.Context, p NewPage) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	status := p.Status
	if status == "" {
		status = StatusActive
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.stamp()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO nlweb_pages (url, title, description, tags, content, status, lastChecked, responseTime, createdAt, updatedAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URL,
		p.Title,
		nullIfEmpty(p.Description),
		nullIfEmpty(p.Tags),
		nullIfEmpty(p.Content),
		string(status),
		nullIfEmpty(p.LastChecked),
		nullableInt(p.ResponseTime),
		now,
		now,
	)
	if err != nil {
		if isUniqueURLViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateURL, p.URL)
		}
		return 0, storageError("add", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageError("add last insert id", err)
	}
	return id, nil
}

// Update applies the non-nil fields of patch and refreshes updatedAt.
func (s *SQLiteStore) Update(ctx context.Context, id int64, patch Patch) error {
	if err := patch.validate(); err != nil {
		return err
	}

	assigns := patch.assignments()
	set := make([]string, 0, len(assigns)+1)
	args := make([]any, 0, len(assigns)+2)
	for _, a := range assigns {
		set = append(set, a.column+" = ?")
		args = append(args, a.value)
	}
	set = append(set, "updatedAt = ?")
	query := "UPDATE nlweb_pages SET " + strings.Join(set, ", ") + " WHERE id = ?"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	args = append(args, s.clock.stamp(), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueURLViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateURL, *patch.URL)
		}
		return storageError("update", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("update affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Get returns the page with id. A missing page is reported as ok == false.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (Page, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM nlweb_pages WHERE id = ?`, id)
	return s.scanOne(row, "get")
}

// GetByURL returns the page registered under url.
func (s *SQLiteStore) GetByURL(ctx context.Context, url string) (Page, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM nlweb_pages WHERE url = ?`, url)
	return s.scanOne(row, "get by url")
}

// List returns every page, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+pageColumns+`
FROM nlweb_pages
ORDER BY updatedAt DESC, id DESC`)
	if err != nil {
		return nil, storageError("list", err)
	}
	return scanPages(rows, "list")
}

// Search returns pages whose title, description, tags or url contain query,
// ignoring case. Ordering matches List.
func (s *SQLiteStore) Search(ctx context.Context, query string) ([]Page, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: search query must not be empty", ErrInvalidInput)
	}

	pattern := likePattern(query)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+pageColumns+`
FROM nlweb_pages
WHERE title LIKE ? ESCAPE '\'
	OR description LIKE ? ESCAPE '\'
	OR tags LIKE ? ESCAPE '\'
	OR url LIKE ? ESCAPE '\'
ORDER BY updatedAt DESC, id DESC`,
		pattern, pattern, pattern, pattern,
	)
	if err != nil {
		return nil, storageError("search", err)
	}
	return scanPages(rows, "search")
}

// Delete removes the page with id.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nlweb_pages WHERE id = ?`, id)
	if err != nil {
		return storageError("delete", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("delete affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of registered pages.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM nlweb_pages`).Scan(&n); err != nil {
		return 0, storageError("count", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type pageScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOne(row pageScanner, op string) (Page, bool, error) {
	p, err := scanPage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Page{}, false, nil
		}
		return Page{}, false, storageError(op, err)
	}
	return p, true, nil
}

func scanPages(rows *sql.Rows, op string) ([]Page, error) {
	defer rows.Close()

	pages := []Page{}
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, storageError(op+" scan", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op+" rows", err)
	}
	return pages, nil
}

func scanPage(scanner pageScanner) (Page, error) {
	var (
		p            Page
		description  sql.NullString
		tags         sql.NullString
		content      sql.NullString
		status       sql.NullString
		lastChecked  sql.NullString
		responseTime sql.NullInt64
	)
	if err := scanner.Scan(
		&p.ID,
		&p.URL,
		&p.Title,
		&description,
		&tags,
		&content,
		&status,
		&lastChecked,
		&responseTime,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Page{}, err
	}

	p.Description = description.String
	p.Tags = tags.String
	p.Content = content.String
	p.Status = Status(status.String)
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.LastChecked = lastChecked.String
	if responseTime.Valid {
		v := responseTime.Int64
		p.ResponseTime = &v
	}
	return p, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func nullableInt(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

// clock hands out strictly increasing millisecond timestamps.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) stamp() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t.Format(TimestampLayout)
}

func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}
