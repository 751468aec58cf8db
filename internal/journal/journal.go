// Package journal records flags and lockouts in a SQLite database so they
// can be listed after the fact.
//
// The default database is in memory and lives as long as the daemon; a file
// path keeps incidents across runs, grouped by session.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"keyguard/internal/detector"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Incident kinds besides the flag kinds.
const (
	KindLockoutEngaged  = "lockout_engaged"
	KindLockoutReleased = "lockout_released"
)

// ErrNoSession is returned when recording before OpenSession.
var ErrNoSession = errors.New("journal: no open session")

// Incident is one journal row.
type Incident struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	KeyCode    *uint32   `json:"key_code,omitempty"`
	ValueMs    float64   `json:"value_ms,omitempty"`
	AvgMs      float64   `json:"avg_ms,omitempty"`
	WPM        float64   `json:"wpm,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Counts aggregates incidents by kind.
type Counts struct {
	SpeedFlags int64 `json:"speed_flags"`
	HoldFlags  int64 `json:"hold_flags"`
	Lockouts   int64 `json:"lockouts"`
}

// Store is the SQLite incident journal.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	session string
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := path
	if path == MemoryPath || path == "" {
		// One connection, otherwise every pooled connection gets its own
		// empty in-memory database.
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if path == MemoryPath || path == "" {
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close ends the open session and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.mu.Lock()
	session := s.session
	s.session = ""
	s.mu.Unlock()

	if session != "" {
		s.db.Exec("UPDATE sessions SET ended_ns = ? WHERE id = ?", time.Now().UnixNano(), session)
	}
	return s.db.Close()
}

// OpenSession starts a session and makes it current. An empty id gets a
// fresh UUID.
func (s *Store) OpenSession(id, version string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	host, _ := os.Hostname()

	_, err := s.db.Exec(
		"INSERT INTO sessions (id, started_ns, hostname, version) VALUES (?, ?, ?, ?)",
		id, time.Now().UnixNano(), host, version,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
	return id, nil
}

// SessionID returns the current session, or "".
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Store) currentSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == "" {
		return "", ErrNoSession
	}
	return s.session, nil
}

// RecordFlag stores a flag.
func (s *Store) RecordFlag(rec detector.FlagRecord) (int64, error) {
	session, err := s.currentSession()
	if err != nil {
		return 0, err
	}

	var avg, wpm sql.NullFloat64
	if rec.Kind == detector.FlagSpeed {
		avg = sql.NullFloat64{Float64: rec.AvgMs, Valid: true}
		wpm = sql.NullFloat64{Float64: rec.WPM, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO incidents (session_id, at_ns, kind, key_code, value_ms, avg_ms, wpm, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session, rec.At.UnixNano(), rec.Kind.String(), int64(rec.Key), rec.ValueMs, avg, wpm, rec.Threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("insert flag: %w", err)
	}
	return result.LastInsertId()
}

// RecordLockout stores a lockout transition.
func (s *Store) RecordLockout(rec detector.LockoutRecord) (int64, error) {
	session, err := s.currentSession()
	if err != nil {
		return 0, err
	}

	kind := KindLockoutReleased
	if rec.Event == detector.LockoutEngaged {
		kind = KindLockoutEngaged
	}

	result, err := s.db.Exec(`
		INSERT INTO incidents (session_id, at_ns, kind, duration_ms)
		VALUES (?, ?, ?, ?)`,
		session, rec.At.UnixNano(), kind, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert lockout: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns up to limit incidents, newest first. A limit of zero or
// less returns every incident.
func (s *Store) Recent(limit int) ([]Incident, error) {
	query := `
		SELECT id, session_id, at_ns, kind, key_code, value_ms, avg_ms, wpm, threshold, duration_ms
		FROM incidents ORDER BY at_ns DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// Counts returns incident totals for the current session, or for every
// session when none is open.
func (s *Store) Counts() (Counts, error) {
	query := "SELECT kind, COUNT(*) FROM incidents"
	args := []any{}
	if session := s.SessionID(); session != "" {
		query += " WHERE session_id = ?"
		args = append(args, session)
	}
	query += " GROUP BY kind"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return Counts{}, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count: %w", err)
		}
		switch kind {
		case detector.FlagSpeed.String():
			c.SpeedFlags = n
		case detector.FlagHold.String():
			c.HoldFlags = n
		case KindLockoutEngaged:
			c.Lockouts = n
		}
	}
	return c, rows.Err()
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		var (
			inc      Incident
			atNs     int64
			key      sql.NullInt64
			value    sql.NullFloat64
			avg      sql.NullFloat64
			wpm      sql.NullFloat64
			thresh   sql.NullFloat64
			duration sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &inc.SessionID, &atNs, &inc.Kind, &key, &value, &avg, &wpm, &thresh, &duration); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.At = time.Unix(0, atNs)
		if key.Valid {
			k := uint32(key.Int64)
			inc.KeyCode = &k
		}
		inc.ValueMs = value.Float64
		inc.AvgMs = avg.Float64
		inc.WPM = wpm.Float64
		inc.Threshold = thresh.Float64
		inc.DurationMs = duration.Int64
		out = append(out, inc)
	}
	return out, rows.Err()
}
