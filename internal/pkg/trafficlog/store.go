// Package trafficlog persists intercepted exchanges in SQLite.
package trafficlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates no entry with the requested id.
var ErrNotFound = errors.New("traffic log entry not found")

// Entry is one HTTP exchange as seen by the proxy. Decrypted bodies and kinds
// come from the engine; key material never lands here.
type Entry struct {
	ID                    int64       `json:"id"`
	Timestamp             time.Time   `json:"timestamp"`
	Method                string      `json:"method"`
	URL                   string      `json:"url"`
	Status                int         `json:"status"`
	RequestHeaders        http.Header `json:"request_headers,omitempty"`
	RequestBody           string      `json:"request_body,omitempty"`
	ResponseHeaders       http.Header `json:"response_headers,omitempty"`
	ResponseBody          string      `json:"response_body,omitempty"`
	Error                 string      `json:"error,omitempty"`
	DecryptedRequestBody  string      `json:"decrypted_request_body,omitempty"`
	DecryptedResponseBody string      `json:"decrypted_response_body,omitempty"`
	RequestKind           string      `json:"request_kind,omitempty"`
	ResponseKind          string      `json:"response_kind,omitempty"`
	Notes                 string      `json:"notes,omitempty"`
	IsReplay              bool        `json:"is_replay"`
	ReplayID              string      `json:"replay_id,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS traffic_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	request_headers TEXT,
	request_body TEXT,
	response_headers TEXT,
	response_body TEXT,
	error TEXT,
	decrypted_request_body TEXT,
	decrypted_response_body TEXT,
	request_kind TEXT,
	response_kind TEXT,
	notes TEXT,
	is_replay INTEGER NOT NULL DEFAULT 0,
	replay_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_traffic_logs_timestamp ON traffic_logs(timestamp);
`

const columns = `id, timestamp, method, url, status, request_headers, request_body,
	response_headers, response_body, error, decrypted_request_body,
	decrypted_response_body, request_kind, response_kind, notes, is_replay, replay_id`

// Store is a SQLite-backed traffic log.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic log: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create traffic log schema: %w", err)
	}

	logger.Debug("Traffic log opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// DefaultPath returns ~/.config/oapx/traffic.db.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "traffic.db"
	}
	return filepath.Join(homeDir, ".config", "oapx", "traffic.db")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores e and returns its new id. e.ID is ignored.
func (s *Store) Insert(ctx context.Context, e *Entry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	reqHeaders, err := encodeHeaders(e.RequestHeaders)
	if err != nil {
		return 0, err
	}
	resHeaders, err := encodeHeaders(e.ResponseHeaders)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO traffic_logs (
		timestamp, method, url, status, request_headers, request_body,
		response_headers, response_body, error, decrypted_request_body,
		decrypted_response_body, request_kind, response_kind, notes, is_replay, replay_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Method,
		e.URL,
		e.Status,
		reqHeaders,
		nullString(e.RequestBody),
		resHeaders,
		nullString(e.ResponseBody),
		nullString(e.Error),
		nullString(e.DecryptedRequestBody),
		nullString(e.DecryptedResponseBody),
		nullString(e.RequestKind),
		nullString(e.ResponseKind),
		nullString(e.Notes),
		e.IsReplay,
		nullString(e.ReplayID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert traffic log entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM traffic_logs WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM traffic_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traffic_logs`).Scan(&n)
	return n, err
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM traffic_logs`)
	return err
}

// Export writes up to limit entries (newest first) to w as a JSON array.
func (s *Store) Export(ctx context.Context, w io.Writer, limit int) (int, error) {
	entries, err := s.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("failed to encode traffic log: %w", err)
	}
	return len(entries), nil
}

// Import reads a JSON array produced by Export and inserts every entry
// under a fresh id, oldest first.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("failed to decode traffic log: %w", err)
	}

	imported := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if _, err := s.Insert(ctx, &entries[i]); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e  Entry
		ts string

		reqHeaders, reqBody, resHeaders, resBody, errText sql.NullString
		decReq, decRes, reqKind, resKind, notes, replayID sql.NullString
	)
	if err := row.Scan(&e.ID, &ts, &e.Method, &e.URL, &e.Status, &reqHeaders, &reqBody,
		&resHeaders, &resBody, &errText, &decReq, &decRes, &reqKind, &resKind, &notes,
		&e.IsReplay, &replayID); err != nil {
		return nil, err
	}

	var err error
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("entry %d: bad timestamp: %w", e.ID, err)
	}
	if e.RequestHeaders, err = decodeHeaders(reqHeaders); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if e.ResponseHeaders, err = decodeHeaders(resHeaders); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	e.RequestBody = reqBody.String
	e.ResponseBody = resBody.String
	e.Error = errText.String
	e.DecryptedRequestBody = decReq.String
	e.DecryptedResponseBody = decRes.String
	e.RequestKind = reqKind.String
	e.ResponseKind = resKind.String
	e.Notes = notes.String
	e.ReplayID = replayID.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeHeaders(h http.Header) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode headers: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeHeaders(s sql.NullString) (http.Header, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(s.String), &h); err != nil {
		return nil, fmt.Errorf("bad headers: %w", err)
	}
	return h, nil
}
