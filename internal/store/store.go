// Package store provides SQLite access for evquery: read-only query
// execution against the vehicle registration database, schema
// introspection for prompt context, and the client-side run history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"evquery/internal/logging"
)

// Store wraps the electric-vehicle registration database. All access
// through it is read-only; the connection itself is pinned with
// PRAGMA query_only as a second line of defense behind the statement
// guard.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	schemaCache string
}

// NewStore opens the SQLite database at the given path. The file must
// already exist: opening a missing path would silently create an empty
// database and every generated query would then "succeed" with no rows.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found at %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set query_only: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("Opened vehicle database at %s", path)
	return &Store{db: db, dbPath: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Query executes a read-only SQL query and returns the rows as maps
// keyed by column name, preserving column order separately for stable
// rendering.
func (s *Store) Query(ctx context.Context, query string) ([]string, []map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Query")
	defer timer.Stop()

	if err := ValidateReadOnly(query); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			// []byte values marshal as base64; surface them as strings.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("row iteration failed: %w", err)
	}

	logging.Get(logging.CategoryStore).Debug("Query returned %d rows", len(results))
	return columns, results, nil
}

// SchemaDescription introspects the database and renders a description
// of every table and its columns for LLM prompt context. The result is
// cached; the schema of a registration snapshot does not change while
// the server runs.
func (s *Store) SchemaDescription(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.schemaCache != "" {
		cached := s.schemaCache
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	tables, err := s.TableNames(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Database schema contains the following tables: %s.", strings.Join(tables, ", "))
	b.WriteString(" Each table contains various columns with specific data types.")

	for _, table := range tables {
		fmt.Fprintf(&b, "\n\nTable: %s\nColumns:\n", table)

		cols, err := s.tableColumns(ctx, table)
		if err != nil {
			return "", err
		}
		for _, col := range cols {
			fmt.Fprintf(&b, "%s (%s)\n", col.Name, col.Type)
		}
	}

	desc := b.String()
	s.mu.Lock()
	s.schemaCache = desc
	s.mu.Unlock()
	return desc, nil
}

// TableNames returns the user tables in the database.
func (s *Store) TableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

type columnInfo struct {
	Name string
	Type string
}

func (s *Store) tableColumns(ctx context.Context, table string) ([]columnInfo, error) {
	// PRAGMA table_info does not take bound parameters; the table name
	// comes from sqlite_master, not from user input.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, columnInfo{Name: name, Type: typ})
	}
	return cols, rows.Err()
}
