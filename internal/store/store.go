// Package store is the embedded persistence layer: track/stream catalog,
// the diagnostic recognition log, and confirmed plays with dedup-bucket
// deduplication. Grounded on original_source/app/db/repo.py's
// TrackRepository/PlayRepository/RecognitionRepository, adapted from
// aiosqlite's connect-per-call style to one shared *sql.DB over
// mattn/go-sqlite3, following the teacher's Store's single-struct,
// mutex-free (the single pooled connection serializes) access pattern.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicatePlay is returned by InsertPlay when the (track, stream,
// dedup_bucket) triple already exists. Callers are expected to swallow it.
var ErrDuplicatePlay = errors.New("store: duplicate play")

// Track is a catalog row identified by (provider, provider_track_id).
type Track struct {
	ID              int64
	Provider        string
	ProviderTrackID string
	Title           string
	Artist          string
	Album           *string
	ISRC            *string
	ArtworkURL      *string
	Metadata        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Stream is a named audio source.
type Stream struct {
	ID      int64
	Name    string
	URL     string
	Enabled bool
}

// Recognition is one diagnostic row: every attempted recognition, whatever
// its outcome, produces exactly one of these.
type Recognition struct {
	ID             int64
	StreamID       int64
	Provider       string
	RecognizedAt   time.Time
	WindowStartUTC time.Time
	WindowEndUTC   time.Time
	TrackID        *int64
	Confidence     *float64
	LatencyMS      *int64
	RawResponse    *string
	ErrorMessage   *string
}

// Play is a confirmed, deduplicated playback event.
type Play struct {
	ID           int64
	TrackID      int64
	StreamID     int64
	RecognizedAt time.Time
	DedupBucket  int64
	Confidence   *float64
}

// Store wraps a single shared *sql.DB limited to one open connection (see
// Open), which serializes all access; callers do not need an additional
// mutex.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and migrates the SQLite database at path,
// enabling WAL journaling. The pool is limited to one connection, so reads
// and writes through this Store run one at a time.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// The sqlite3 driver does not support concurrent writers; a single
	// connection avoids SQLITE_BUSY under the WorkerManager's fan-in.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	provider_track_id TEXT NOT NULL,
	title TEXT NOT NULL,
	artist TEXT NOT NULL,
	album TEXT,
	isrc TEXT,
	artwork_url TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(provider, provider_track_id)
);

CREATE TABLE IF NOT EXISTS streams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS plays (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	track_id INTEGER NOT NULL REFERENCES tracks(id),
	stream_id INTEGER NOT NULL REFERENCES streams(id),
	recognized_at_utc TIMESTAMP NOT NULL,
	dedup_bucket INTEGER NOT NULL,
	confidence REAL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(track_id, stream_id, dedup_bucket)
);

CREATE TABLE IF NOT EXISTS recognitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id INTEGER NOT NULL REFERENCES streams(id),
	provider TEXT NOT NULL,
	recognized_at_utc TIMESTAMP NOT NULL,
	window_start_utc TIMESTAMP NOT NULL,
	window_end_utc TIMESTAMP NOT NULL,
	track_id INTEGER REFERENCES tracks(id),
	confidence REAL,
	latency_ms INTEGER,
	raw_response TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_recognitions_stream_time ON recognitions(stream_id, recognized_at_utc);
CREATE INDEX IF NOT EXISTS idx_plays_recognized_at ON plays(recognized_at_utc);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// UpsertTrack finds a track by (provider, provider_track_id), updating its
// mutable attributes if it exists or inserting a new row otherwise. It
// always returns the stable track id.
func (s *Store) UpsertTrack(provider, providerTrackID, title, artist string, album, isrc, artworkURL *string) (int64, error) {
	var existingID int64
	err := s.db.QueryRow(
		`SELECT id FROM tracks WHERE provider = ? AND provider_track_id = ?`,
		provider, providerTrackID,
	).Scan(&existingID)

	switch {
	case err == nil:
		_, err := s.db.Exec(
			`UPDATE tracks SET title = ?, artist = ?, album = ?, isrc = ?, artwork_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			title, artist, album, isrc, artworkURL, existingID,
		)
		if err != nil {
			return 0, fmt.Errorf("store: update track: %w", err)
		}
		return existingID, nil

	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(
			`INSERT INTO tracks (provider, provider_track_id, title, artist, album, isrc, artwork_url) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			provider, providerTrackID, title, artist, album, isrc, artworkURL,
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert track: %w", err)
		}
		return res.LastInsertId()

	default:
		return 0, fmt.Errorf("store: lookup track: %w", err)
	}
}

// EnsureStream looks up a stream by name, inserting a placeholder row if
// none exists yet, and returns its stable id.
func (s *Store) EnsureStream(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM streams WHERE name = ?`, name).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(
			`INSERT INTO streams (name, url, enabled) VALUES (?, ?, 1)`,
			name, fmt.Sprintf("rtsp://placeholder/%s", name),
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert stream: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("store: lookup stream: %w", err)
	}
}

// AppendRecognition unconditionally inserts one diagnostic row. It is the
// only write that happens for every recognition attempt regardless of
// outcome.
func (s *Store) AppendRecognition(r Recognition) (int64, error) {
	var rawResponse *string
	if r.RawResponse != nil {
		rawResponse = r.RawResponse
	}

	res, err := s.db.Exec(
		`INSERT INTO recognitions (stream_id, provider, recognized_at_utc, window_start_utc, window_end_utc, track_id, confidence, latency_ms, raw_response, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StreamID, r.Provider, r.RecognizedAt, r.WindowStartUTC, r.WindowEndUTC,
		r.TrackID, r.Confidence, r.LatencyMS, rawResponse, r.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("store: append recognition: %w", err)
	}
	return res.LastInsertId()
}

// InsertPlay attempts to record a confirmed play. If the (track, stream,
// dedup_bucket) triple already exists, it returns ErrDuplicatePlay, which
// callers are expected to swallow as the expected two-hit dedup outcome.
func (s *Store) InsertPlay(trackID, streamID int64, recognizedAt time.Time, dedupBucket int64, confidence *float64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO plays (track_id, stream_id, recognized_at_utc, dedup_bucket, confidence) VALUES (?, ?, ?, ?, ?)`,
		trackID, streamID, recognizedAt, dedupBucket, confidence,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, ErrDuplicatePlay
		}
		return 0, fmt.Errorf("store: insert play: %w", err)
	}
	return res.LastInsertId()
}

// DedupBucket computes the dedup bucket for a timestamp: floor(unix /
// dedupSeconds).
func DedupBucket(t time.Time, dedupSeconds int) int64 {
	return t.Unix() / int64(dedupSeconds)
}

// PlaysByDate returns confirmed plays recognized on the given UTC calendar
// date, optionally filtered to one stream. Not on the hot path; serves the
// ambient HTTP status surface.
func (s *Store) PlaysByDate(date time.Time, streamName string) ([]Play, error) {
	dateStr := date.Format("2006-01-02")

	query := `
		SELECT p.id, p.track_id, p.stream_id, p.recognized_at_utc, p.dedup_bucket, p.confidence
		FROM plays p
		JOIN streams s ON p.stream_id = s.id
		WHERE DATE(p.recognized_at_utc) = ?`
	args := []any{dateStr}

	if streamName != "" {
		query += " AND s.name = ?"
		args = append(args, streamName)
	}
	query += " ORDER BY p.recognized_at_utc DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: plays by date: %w", err)
	}
	defer rows.Close()

	var plays []Play
	for rows.Next() {
		var p Play
		if err := rows.Scan(&p.ID, &p.TrackID, &p.StreamID, &p.RecognizedAt, &p.DedupBucket, &p.Confidence); err != nil {
			return nil, fmt.Errorf("store: scan play: %w", err)
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// RecentRecognitions returns the most recent diagnostic rows, optionally
// filtered by stream and/or provider. Not on the hot path.
func (s *Store) RecentRecognitions(limit int, streamName, provider string) ([]Recognition, error) {
	query := `
		SELECT r.id, r.stream_id, r.provider, r.recognized_at_utc, r.window_start_utc,
		       r.window_end_utc, r.track_id, r.confidence, r.latency_ms, r.raw_response, r.error_message
		FROM recognitions r
		JOIN streams s ON r.stream_id = s.id
		WHERE 1=1`
	var args []any

	if streamName != "" {
		query += " AND s.name = ?"
		args = append(args, streamName)
	}
	if provider != "" {
		query += " AND r.provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY r.recognized_at_utc DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent recognitions: %w", err)
	}
	defer rows.Close()

	var out []Recognition
	for rows.Next() {
		var r Recognition
		if err := rows.Scan(&r.ID, &r.StreamID, &r.Provider, &r.RecognizedAt, &r.WindowStartUTC,
			&r.WindowEndUTC, &r.TrackID, &r.Confidence, &r.LatencyMS, &r.RawResponse, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan recognition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
