// Package manifest persists record set states in a SQLite database, so a
// process can reopen its record sets where the previous one stopped.
package manifest

// CreateRecordSetsTableSQL holds the current state of every record set.
const CreateRecordSetsTableSQL = `
CREATE TABLE IF NOT EXISTS record_sets (
    name TEXT PRIMARY KEY,
    prefix TEXT NOT NULL,
    schema_json TEXT,
    state TEXT NOT NULL,
    generation INTEGER NOT NULL,
    num_records INTEGER NOT NULL,
    num_datafiles INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateStateHistoryTableSQL keeps the states written by Save, newest last.
const CreateStateHistoryTableSQL = `
CREATE TABLE IF NOT EXISTS state_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    generation INTEGER NOT NULL,
    state TEXT NOT NULL,
    saved_at INTEGER NOT NULL
)`

var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_state_history_name ON state_history(name, id)`,
}

// AllSchemaSQL returns every statement needed to initialize the database.
func AllSchemaSQL() []string {
	stmts := []string{CreateRecordSetsTableSQL, CreateStateHistoryTableSQL}
	return append(stmts, CreateIndexesSQL...)
}
