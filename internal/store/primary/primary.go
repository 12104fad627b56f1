package primary

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// StoreImpl implements store.TaxonomyStore and store.CategorizationStore on
// a local SQLite database. Canonical and alias lookups are cached in memory;
// the mutex serializes Resolve across goroutines so one store instance can
// be shared by concurrent categorization runs.
type StoreImpl struct {
	db *sql.DB

	mu              sync.Mutex
	canonicalLookup map[string]int64 // normalized key -> taxonomy id
	aliasLookup     map[string]int64 // normalized key -> taxonomy id
	entries         map[int64]entryLabels
	fuzzyCalls      int64 // probe for tests
}

type entryLabels struct {
	category        string
	subcategory     string
	normCategory    string
	normSubcategory string
}

// NewPrimaryStore opens (creating if needed) the SQLite database at path and
// ensures the schema. Use ":memory:" for tests.
func NewPrimaryStore(path string) (*StoreImpl, error) {
	if path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent resolves.
	db.SetMaxOpenConns(1)

	s := &StoreImpl{
		db:              db,
		canonicalLookup: make(map[string]int64),
		aliasLookup:     make(map[string]int64),
		entries:         make(map[int64]entryLabels),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadTaxonomyCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping() error {
	if s.db == nil {
		return errors.New("store is closed")
	}
	return s.db.Ping()
}

// Close closes the underlying database.
func (s *StoreImpl) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *StoreImpl) ensureSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS category_taxonomy (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_category TEXT NOT NULL,
		canonical_subcategory TEXT NOT NULL,
		normalized_category TEXT NOT NULL,
		normalized_subcategory TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 0,
		UNIQUE(normalized_category, normalized_subcategory)
	);
	CREATE TABLE IF NOT EXISTS category_alias (
		alias_category_norm TEXT NOT NULL,
		alias_subcategory_norm TEXT NOT NULL,
		taxonomy_id INTEGER NOT NULL,
		PRIMARY KEY(alias_category_norm, alias_subcategory_norm),
		FOREIGN KEY(taxonomy_id) REFERENCES category_taxonomy(id)
	);
	CREATE INDEX IF NOT EXISTS idx_category_alias_taxonomy ON category_alias(taxonomy_id);
	CREATE TABLE IF NOT EXISTS file_categorization (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		dir_path TEXT NOT NULL,
		category TEXT NOT NULL,
		subcategory TEXT NOT NULL,
		taxonomy_id INTEGER,
		used_consistency_hints INTEGER NOT NULL DEFAULT 0,
		user_provided INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(file_name, file_type, dir_path)
	);
	CREATE INDEX IF NOT EXISTS idx_file_categorization_dir ON file_categorization(dir_path);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *StoreImpl) loadTaxonomyCache() error {
	rows, err := s.db.Query(`SELECT id, canonical_category, canonical_subcategory,
		normalized_category, normalized_subcategory FROM category_taxonomy`)
	if err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var e entryLabels
		if err := rows.Scan(&id, &e.category, &e.subcategory, &e.normCategory, &e.normSubcategory); err != nil {
			return fmt.Errorf("scan taxonomy row: %w", err)
		}
		s.entries[id] = e
		s.canonicalLookup[makeKey(e.normCategory, e.normSubcategory)] = id
	}
	if err := rows.Err(); err != nil {
		return err
	}

	aliasRows, err := s.db.Query(`SELECT alias_category_norm, alias_subcategory_norm, taxonomy_id FROM category_alias`)
	if err != nil {
		log.Errorf("Failed to load category aliases: %v", err)
		return nil
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var cat, sub string
		var id int64
		if err := aliasRows.Scan(&cat, &sub, &id); err != nil {
			return fmt.Errorf("scan alias row: %w", err)
		}
		s.aliasLookup[makeKey(cat, sub)] = id
	}
	return aliasRows.Err()
}
