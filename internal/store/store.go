// Package store provides SQLite persistence for lands, expressions, links,
// media and the land dictionaries. It is the single source of truth: every
// pipeline reads entities from here and writes them back by primary key.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"mywebintel/internal/logging"
)

// Sentinel errors. Conflict means a uniqueness race; callers resolve it by
// re-selecting, never by propagating.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the SQLite database. Readers may run concurrently; writers are
// serialized behind the mutex and a single connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema if needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Store schema ready")

	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	landTable := `
	CREATE TABLE IF NOT EXISTS land (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		lang TEXT NOT NULL DEFAULT 'fr',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	wordTable := `
	CREATE TABLE IF NOT EXISTS word (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		term TEXT NOT NULL UNIQUE,
		lemma TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_word_lemma ON word(lemma);
	`

	dictionaryTable := `
	CREATE TABLE IF NOT EXISTS land_dictionary (
		land_id INTEGER NOT NULL REFERENCES land(id) ON DELETE CASCADE,
		word_id INTEGER NOT NULL REFERENCES word(id) ON DELETE CASCADE,
		PRIMARY KEY (land_id, word_id)
	);
	`

	domainTable := `
	CREATE TABLE IF NOT EXISTS domain (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		http_status TEXT,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		fetched_at DATETIME
	);
	`

	expressionTable := `
	CREATE TABLE IF NOT EXISTS expression (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		land_id INTEGER NOT NULL REFERENCES land(id) ON DELETE CASCADE,
		domain_id INTEGER NOT NULL REFERENCES domain(id),
		url TEXT NOT NULL UNIQUE,
		http_status TEXT,
		lang TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		readable TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		published_at DATETIME,
		fetched_at DATETIME,
		approved_at DATETIME,
		readable_at DATETIME,
		relevance INTEGER NOT NULL DEFAULT 0,
		depth INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_expression_land ON expression(land_id);
	CREATE INDEX IF NOT EXISTS idx_expression_status ON expression(http_status);
	CREATE INDEX IF NOT EXISTS idx_expression_fetched ON expression(fetched_at);
	CREATE INDEX IF NOT EXISTS idx_expression_readable ON expression(readable_at);
	CREATE INDEX IF NOT EXISTS idx_expression_domain ON expression(domain_id);
	`

	linkTable := `
	CREATE TABLE IF NOT EXISTS expression_link (
		source_id INTEGER NOT NULL REFERENCES expression(id) ON DELETE CASCADE,
		target_id INTEGER NOT NULL REFERENCES expression(id) ON DELETE CASCADE,
		PRIMARY KEY (source_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_link_target ON expression_link(target_id);
	`

	mediaTable := `
	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		expression_id INTEGER NOT NULL REFERENCES expression(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		type TEXT NOT NULL,
		width INTEGER,
		height INTEGER,
		file_size INTEGER,
		format TEXT,
		color_mode TEXT,
		dominant_colors TEXT,
		websafe_colors TEXT,
		has_transparency BOOLEAN,
		aspect_ratio REAL,
		exif_data TEXT,
		image_hash TEXT,
		content_tags TEXT,
		nsfw_score REAL,
		analyzed_at DATETIME,
		analysis_error TEXT,
		UNIQUE (expression_id, url, type)
	);
	CREATE INDEX IF NOT EXISTS idx_media_expression ON media(expression_id);
	`

	// Tag tree and tagged spans belong to annotation clients. The core only
	// creates the tables and preserves integrity on cascade deletes.
	tagTable := `
	CREATE TABLE IF NOT EXISTS tag (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		land_id INTEGER NOT NULL REFERENCES land(id) ON DELETE CASCADE,
		parent_id INTEGER REFERENCES tag(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		sorting INTEGER NOT NULL DEFAULT 0,
		color TEXT NOT NULL DEFAULT '#000000'
	);
	CREATE TABLE IF NOT EXISTS tagged_content (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id INTEGER NOT NULL REFERENCES tag(id) ON DELETE CASCADE,
		expression_id INTEGER NOT NULL REFERENCES expression(id) ON DELETE CASCADE,
		text TEXT NOT NULL DEFAULT '',
		from_char INTEGER NOT NULL DEFAULT 0,
		to_char INTEGER NOT NULL DEFAULT 0
	);
	`

	for _, table := range []string{
		landTable,
		wordTable,
		dictionaryTable,
		domainTable,
		expressionTable,
		linkTable,
		mediaTable,
		tagTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Setup drops every table and recreates the schema. Destructive; the verb
// layer is responsible for obtaining operator confirmation first.
func (s *Store) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Recreating schema at %s", s.dbPath)

	drops := []string{
		"DROP TABLE IF EXISTS tagged_content",
		"DROP TABLE IF EXISTS tag",
		"DROP TABLE IF EXISTS media",
		"DROP TABLE IF EXISTS expression_link",
		"DROP TABLE IF EXISTS expression",
		"DROP TABLE IF EXISTS land_dictionary",
		"DROP TABLE IF EXISTS word",
		"DROP TABLE IF EXISTS domain",
		"DROP TABLE IF EXISTS land",
	}
	for _, stmt := range drops {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}

	return s.initialize()
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"land", "word", "land_dictionary", "domain", "expression", "expression_link", "media", "tag", "tagged_content"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
