// Package store is the single source of truth for batch state. Every
// orchestration component reads and writes exclusively through it; no request
// state is handed between components in memory. All mutations are durable
// before the call returns — SQLite in WAL mode with synchronous=NORMAL
// (see dbopen) commits before Exec returns.
//
// A unique-constraint hit on requests.fingerprint is the normal
// "duplicate prompt, skip" outcome. Every other persistence fault is
// propagated to the caller and never retried here.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/hazyhaar/genq/idgen"
)

// Store wraps the genq database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets a custom ID generator for download task IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:    db,
		newID: idgen.Prefixed("dl_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fingerprint returns the dedup key for a prompt: SHA-256 of the
// whitespace-normalized text.
func Fingerprint(prompt string) string {
	norm := strings.Join(strings.Fields(prompt), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
