// Package registry records the Home Assistant entities the bridge has
// announced, so entities of nodes that were removed from the gateway can
// be withdrawn on a later start.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one announced discovery entity.
type Entry struct {
	UniqueID    string
	Component   string
	ConfigTopic string
	NodeID      uint8
	Name        string
	UpdatedAt   time.Time
}

// Store is the SQLite backed entity registry. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the registry database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		unique_id    TEXT PRIMARY KEY,
		component    TEXT NOT NULL,
		config_topic TEXT NOT NULL,
		node_id      INTEGER NOT NULL,
		name         TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_node ON entities(node_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert records e, replacing any entry with the same unique id. A zero
// UpdatedAt is set to the current time.
func (s *Store) Upsert(e Entry) error {
	if e.UniqueID == "" {
		return errors.New("upsert: empty unique id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO entities (unique_id, component, config_topic, node_id, name, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (unique_id) DO UPDATE
		 SET component = excluded.component,
		     config_topic = excluded.config_topic,
		     node_id = excluded.node_id,
		     name = excluded.name,
		     updated_at = excluded.updated_at`,
		e.UniqueID, e.Component, e.ConfigTopic, int(e.NodeID), e.Name,
		e.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.UniqueID, err)
	}
	return nil
}

// Get returns the entry for uniqueID. The boolean is false when no such
// entry exists.
func (s *Store) Get(uniqueID string) (Entry, bool, error) {
	row := s.db.QueryRow(
		`SELECT unique_id, component, config_topic, node_id, name, updated_at
		 FROM entities WHERE unique_id = ?`, uniqueID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", uniqueID, err)
	}
	return e, true, nil
}

// List returns every entry ordered by node id, then unique id.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT unique_id, component, config_topic, node_id, name, updated_at
		 FROM entities ORDER BY node_id, unique_id`)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stale returns the entries whose unique id is not in current.
func (s *Store) Stale(current map[string]bool) ([]Entry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var stale []Entry
	for _, e := range all {
		if !current[e.UniqueID] {
			stale = append(stale, e)
		}
	}
	return stale, nil
}

// Delete removes the entry for uniqueID. Deleting a missing entry is not
// an error.
func (s *Store) Delete(uniqueID string) error {
	if _, err := s.db.Exec(`DELETE FROM entities WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete %s: %w", uniqueID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e       Entry
		nodeID  int
		updated string
	)
	if err := sc.Scan(&e.UniqueID, &e.Component, &e.ConfigTopic, &nodeID, &e.Name, &updated); err != nil {
		return Entry{}, err
	}
	e.NodeID = uint8(nodeID)
	t, err := time.Parse(time.RFC3339, updated)
	if err != nil {
		return Entry{}, fmt.Errorf("parse updated_at %q: %w", updated, err)
	}
	e.UpdatedAt = t
	return e, nil
}
