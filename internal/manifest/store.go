package manifest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/internal/recordset"
)

// CodeStaleState is returned when a save would replace a state with one of
// an older generation.
const CodeStaleState = "STALE_STATE"

// ErrStaleState matches stale saves with errors.Is.
var ErrStaleState = rserrors.New(rserrors.ErrCategoryStorage, CodeStaleState, "stale record set state")

// DefaultHistoryLimit is the number of past states kept per record set.
const DefaultHistoryLimit = 16

// Entry is the stored description of one record set.
type Entry struct {
	Name   string
	Prefix string
	// SchemaJSON is the schema the set was created with, if recorded
	SchemaJSON []byte
	State      recordset.State
	UpdatedAt  time.Time
}

// Store keeps record set states in a SQLite database.
type Store struct {
	db           *sql.DB
	path         string
	mu           sync.Mutex
	historyLimit int
}

// NewStore opens or creates the database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, rserrors.IO("manifest: failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, historyLimit: DefaultHistoryLimit}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return rserrors.IO("manifest: failed to initialize schema", err)
		}
	}
	return nil
}

// SetHistoryLimit changes how many past states Save keeps per record set.
// Zero disables history.
func (s *Store) SetHistoryLimit(n int) {
	s.mu.Lock()
	s.historyLimit = n
	s.mu.Unlock()
}

// Save records the state of a record set. A state whose generation is below
// the stored one is rejected with ErrStaleState, so a slow writer cannot
// roll the manifest back past a compaction.
func (s *Store) Save(ctx context.Context, name, prefix string, schemaJSON []byte, state recordset.State) error {
	data, err := recordset.MarshalState(state)
	if err != nil {
		return rserrors.NewInternalError("manifest: failed to encode state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rserrors.IO("manifest: failed to begin transaction", err)
	}
	defer tx.Rollback()

	var stored uint64
	err = tx.QueryRowContext(ctx, `SELECT generation FROM record_sets WHERE name = ?`, name).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return rserrors.IO("manifest: failed to read record set", err)
	case stored > state.Generation:
		return rserrors.New(rserrors.ErrCategoryStorage, CodeStaleState, "manifest: stale state for "+name).
			WithDetails(map[string]interface{}{"stored_generation": stored, "generation": state.Generation})
	}

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO record_sets (name, prefix, schema_json, state, generation, num_records, num_datafiles, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			prefix = excluded.prefix,
			schema_json = COALESCE(excluded.schema_json, record_sets.schema_json),
			state = excluded.state,
			generation = excluded.generation,
			num_records = excluded.num_records,
			num_datafiles = excluded.num_datafiles,
			updated_at = excluded.updated_at`,
		name, prefix, nullableText(schemaJSON), string(data), state.Generation,
		state.NumRecords(), len(state.Datafiles), now)
	if err != nil {
		return rserrors.IO("manifest: failed to save record set", err)
	}

	if s.historyLimit > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_history (name, generation, state, saved_at) VALUES (?, ?, ?, ?)`,
			name, state.Generation, string(data), now); err != nil {
			return rserrors.IO("manifest: failed to append state history", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM state_history WHERE name = ? AND id NOT IN (
				SELECT id FROM state_history WHERE name = ? ORDER BY id DESC LIMIT ?)`,
			name, name, s.historyLimit); err != nil {
			return rserrors.IO("manifest: failed to trim state history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rserrors.IO("manifest: failed to commit", err)
	}
	return nil
}

func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Load returns the stored entry for name, or an error matching
// errors.ErrNotFound.
func (s *Store) Load(ctx context.Context, name string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, prefix, schema_json, state, updated_at FROM record_sets WHERE name = ?`, name)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rserrors.NotFound("manifest: no record set named %s", name)
	}
	return e, err
}

// List returns every stored entry ordered by name.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, prefix, schema_json, state, updated_at FROM record_sets ORDER BY name`)
	if err != nil {
		return nil, rserrors.IO("manifest: failed to list record sets", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.IO("manifest: failed to list record sets", err)
	}
	return entries, nil
}

// History returns up to limit past states of name, newest first.
func (s *Store) History(ctx context.Context, name string, limit int) ([]recordset.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM state_history WHERE name = ? ORDER BY id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, rserrors.IO("manifest: failed to read state history", err)
	}
	defer rows.Close()

	var states []recordset.State
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, rserrors.IO("manifest: failed to read state history", err)
		}
		st, err := recordset.UnmarshalState([]byte(data))
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.IO("manifest: failed to read state history", err)
	}
	return states, nil
}

// Delete removes a record set and its history. Deleting an unknown name is
// not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rserrors.IO("manifest: failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_sets WHERE name = ?`, name); err != nil {
		return rserrors.IO("manifest: failed to delete record set", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM state_history WHERE name = ?`, name); err != nil {
		return rserrors.IO("manifest: failed to delete state history", err)
	}
	if err := tx.Commit(); err != nil {
		return rserrors.IO("manifest: failed to commit", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanEntry(scan func(dest ...interface{}) error) (*Entry, error) {
	var (
		e         Entry
		schema    sql.NullString
		state     string
		updatedAt int64
	)
	if err := scan(&e.Name, &e.Prefix, &schema, &state, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, rserrors.IO("manifest: failed to read record set", err)
	}
	if schema.Valid {
		e.SchemaJSON = []byte(schema.String)
	}
	st, err := recordset.UnmarshalState([]byte(state))
	if err != nil {
		return nil, err
	}
	e.State = st
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return &e, nil
}
