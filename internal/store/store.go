// Package store implements the staging store: a small relational database
// holding parsed torrents, their witness tables, the candidate-file
// inventory and every piece hash computed against a candidate. With the
// default ":memory:" location it is a scratch area; pointed at a file it
// persists and lets a later run skip hashing work it has already done.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prxssh/seeker/internal/inventory"
	"github.com/prxssh/seeker/internal/witness"
)

const schema = `
CREATE TABLE IF NOT EXISTS run (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS torrent_file (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	info_hash BLOB
);

CREATE TABLE IF NOT EXISTS single_file_witness (
	id INTEGER PRIMARY KEY,
	torrent_ref INTEGER NOT NULL REFERENCES torrent_file(id),
	logical_path TEXT NOT NULL,
	piece_size INTEGER NOT NULL,
	file_size INTEGER NOT NULL,
	offset INTEGER NOT NULL,
	hash BLOB NOT NULL,
	UNIQUE(torrent_ref, logical_path, offset)
);

CREATE INDEX IF NOT EXISTS idx_single_file_witness_size
	ON single_file_witness (file_size);

CREATE TABLE IF NOT EXISTS span_witness (
	id INTEGER PRIMARY KEY,
	torrent_ref INTEGER NOT NULL REFERENCES torrent_file(id),
	piece_index INTEGER NOT NULL,
	piece_size INTEGER NOT NULL,
	first_file_offset INTEGER NOT NULL,
	hash BLOB NOT NULL,
	UNIQUE(torrent_ref, piece_index)
);

CREATE TABLE IF NOT EXISTS span_witness_member (
	id INTEGER PRIMARY KEY,
	span_ref INTEGER NOT NULL REFERENCES span_witness(id),
	member_order INTEGER NOT NULL,
	file_size INTEGER NOT NULL,
	logical_path TEXT NOT NULL,
	UNIQUE(span_ref, member_order)
);

CREATE INDEX IF NOT EXISTS idx_span_witness_member_size
	ON span_witness_member (file_size);

CREATE TABLE IF NOT EXISTS candidate_file (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidate_file_size
	ON candidate_file (size);

CREATE TABLE IF NOT EXISTS downloaded_piece_hash (
	id INTEGER PRIMARY KEY,
	candidate_ref INTEGER REFERENCES candidate_file(id),
	path TEXT NOT NULL,
	piece_size INTEGER NOT NULL,
	offset INTEGER NOT NULL,
	hash BLOB NOT NULL,
	UNIQUE(path, piece_size, offset)
);

CREATE TABLE IF NOT EXISTS span_match (
	span_member_ref INTEGER NOT NULL REFERENCES span_witness_member(id),
	candidate_ref INTEGER NOT NULL REFERENCES candidate_file(id),
	UNIQUE(span_member_ref, candidate_ref)
);
`

// Store wraps the staging database. All writes happen from the matcher's
// collector goroutine; the Store itself adds no locking beyond what
// database/sql provides.
type Store struct {
	db    *sql.DB
	runID uuid.UUID
}

// Open opens (and if necessary creates) the staging store at path. The
// special value ":memory:" yields an ephemeral store that vanishes when
// closed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// A single connection sidesteps sqlite's writer contention and keeps
	// an in-memory database from evaporating between pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{db: db, runID: uuid.New()}
	if _, err := db.Exec(
		`INSERT INTO run (id, started_at) VALUES (?, ?)`,
		s.runID.String(), time.Now().UTC(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: record run: %w", err)
	}
	return s, nil
}

// RunID identifies this session in the store and in logs.
func (s *Store) RunID() uuid.UUID { return s.runID }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveTorrent records a parsed metainfo file and returns its row id. A path
// already present (a resumed run) keeps its existing row.
func (s *Store) SaveTorrent(path, name string, infoHash []byte) (int64, error) {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO torrent_file (path, name, info_hash)
		 VALUES (?, ?, ?)`,
		path, name, infoHash,
	); err != nil {
		return 0, fmt.Errorf("store: save torrent %q: %w", path, err)
	}

	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM torrent_file WHERE path = ?`, path,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: lookup torrent %q: %w", path, err)
	}
	return id, nil
}

// SaveWitnesses records a torrent's witness tables. It returns the row ids
// of the span members, indexed as [span][member], for span-match recording.
func (s *Store) SaveWitnesses(torrentRef int64, set *witness.Set) ([][]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin witnesses: %w", err)
	}
	defer tx.Rollback()

	for _, w := range set.Singles {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO single_file_witness
			 (torrent_ref, logical_path, piece_size, file_size, offset, hash)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			torrentRef, w.LogicalPath, w.PieceLength,
			w.FileLength, w.Offset, w.Hash[:],
		); err != nil {
			return nil, fmt.Errorf("store: save single witness: %w", err)
		}
	}

	memberIDs := make([][]int64, len(set.Spans))
	for i, sp := range set.Spans {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO span_witness
			 (torrent_ref, piece_index, piece_size, first_file_offset, hash)
			 VALUES (?, ?, ?, ?, ?)`,
			torrentRef, sp.PieceIndex, sp.PieceLength,
			sp.Members[0].Start, sp.Hash[:],
		); err != nil {
			return nil, fmt.Errorf("store: save span witness: %w", err)
		}

		// Re-select instead of LastInsertId so a resumed run reuses
		// the existing rows.
		var spanRef int64
		if err := tx.QueryRow(
			`SELECT id FROM span_witness
			 WHERE torrent_ref = ? AND piece_index = ?`,
			torrentRef, sp.PieceIndex,
		).Scan(&spanRef); err != nil {
			return nil, fmt.Errorf("store: span witness id: %w", err)
		}

		ids := make([]int64, len(sp.Members))
		for j, m := range sp.Members {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO span_witness_member
				 (span_ref, member_order, file_size, logical_path)
				 VALUES (?, ?, ?, ?)`,
				spanRef, j, m.FileLength, m.LogicalPath,
			); err != nil {
				return nil, fmt.Errorf(
					"store: save span member: %w", err,
				)
			}
			if err := tx.QueryRow(
				`SELECT id FROM span_witness_member
				 WHERE span_ref = ? AND member_order = ?`,
				spanRef, j,
			).Scan(&ids[j]); err != nil {
				return nil, fmt.Errorf(
					"store: span member id: %w", err,
				)
			}
		}
		memberIDs[i] = ids
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit witnesses: %w", err)
	}
	return memberIDs, nil
}

// SaveCandidates records the candidate-file inventory and returns the row
// id for each path.
func (s *Store) SaveCandidates(files []inventory.CandidateFile) (map[string]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin candidates: %w", err)
	}
	defer tx.Rollback()

	for _, f := range files {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO candidate_file (path, size)
			 VALUES (?, ?)`,
			f.PhysicalPath, f.Size,
		); err != nil {
			return nil, fmt.Errorf(
				"store: save candidate %q: %w", f.PhysicalPath, err,
			)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit candidates: %w", err)
	}

	ids := make(map[string]int64, len(files))
	rows, err := s.db.Query(`SELECT id, path FROM candidate_file`)
	if err != nil {
		return nil, fmt.Errorf("store: list candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		ids[path] = id
	}
	return ids, rows.Err()
}

// LookupPieceHash returns a previously computed hash for the given range of
// a candidate file, if the store has one.
func (s *Store) LookupPieceHash(path string, pieceSize, offset int64) ([]byte, bool, error) {
	var hash []byte
	err := s.db.QueryRow(
		`SELECT hash FROM downloaded_piece_hash
		 WHERE path = ? AND piece_size = ? AND offset = ?`,
		path, pieceSize, offset,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf(
			"store: lookup piece hash %q: %w", path, err,
		)
	}
	return hash, true, nil
}

// SavePieceHash memoises a hash computed over a candidate byte range.
func (s *Store) SavePieceHash(candidateRef int64, path string, pieceSize, offset int64, hash []byte) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO downloaded_piece_hash
		 (candidate_ref, path, piece_size, offset, hash)
		 VALUES (?, ?, ?, ?, ?)`,
		candidateRef, path, pieceSize, offset, hash,
	)
	if err != nil {
		return fmt.Errorf("store: save piece hash %q: %w", path, err)
	}
	return nil
}

// SaveSpanMatch records that a candidate verified as one member position of
// a span witness.
func (s *Store) SaveSpanMatch(spanMemberRef, candidateRef int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO span_match
		 (span_member_ref, candidate_ref) VALUES (?, ?)`,
		spanMemberRef, candidateRef,
	)
	if err != nil {
		return fmt.Errorf("store: save span match: %w", err)
	}
	return nil
}
