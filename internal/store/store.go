// Package store keeps a durable SQLite index of sessions so analyses can be
// resumed after the process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"convopipe/internal/domain"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("session not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		provisional INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		startedAt REAL NOT NULL,
		endedAt REAL,
		duration INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		emotionScore INTEGER,
		speakerCount INTEGER,
		summary TEXT NOT NULL DEFAULT '',
		coverUrl TEXT NOT NULL DEFAULT '',
		failReason TEXT NOT NULL DEFAULT '',
		updatedAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const selectColumns = `
	SELECT id, provisional, title, startedAt, endedAt, duration, tags, status,
		emotionScore, speakerCount, summary, coverUrl, failReason
	FROM sessions`

// Store is a SQLite-backed session index.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path with WAL and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the session record.
func (s *Store) Save(ctx context.Context, session domain.Session) error {
	tags, err := json.Marshal(nonNilTags(session.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var endedAt sql.NullFloat64
	if session.EndTime != nil {
		endedAt = sql.NullFloat64{Float64: unixFromTime(*session.EndTime), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, provisional, title, startedAt, endedAt, duration, tags, status,
			emotionScore, speakerCount, summary, coverUrl, failReason, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provisional = excluded.provisional,
			title = excluded.title,
			startedAt = excluded.startedAt,
			endedAt = excluded.endedAt,
			duration = excluded.duration,
			tags = excluded.tags,
			status = excluded.status,
			emotionScore = excluded.emotionScore,
			speakerCount = excluded.speakerCount,
			summary = excluded.summary,
			coverUrl = excluded.coverUrl,
			failReason = excluded.failReason,
			updatedAt = excluded.updatedAt
	`,
		session.ID, session.Provisional, session.Title, unixFromTime(session.StartTime), endedAt,
		session.Duration, string(tags), string(session.Status),
		nullInt(session.EmotionScore), nullInt(session.SpeakerCount),
		session.Summary, session.CoverURL, session.FailReason, unixFromTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns one session or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	return session, err
}

// Delete removes a session record; unknown ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns sessions with the given status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY startedAt DESC, id ASC`, string(status))
}

// List returns every session, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Session, error) {
	return s.query(ctx, selectColumns+` ORDER BY startedAt DESC, id ASC`)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var sess domain.Session
	var startedAt float64
	var endedAt sql.NullFloat64
	var tags, status string
	var emotion, speakers sql.NullInt64

	if err := row.Scan(&sess.ID, &sess.Provisional, &sess.Title, &startedAt, &endedAt,
		&sess.Duration, &tags, &status, &emotion, &speakers,
		&sess.Summary, &sess.CoverURL, &sess.FailReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, err
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.StartTime = timeFromUnix(startedAt)
	sess.Status = domain.SessionStatus(status)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndTime = &t
	}
	if emotion.Valid {
		v := int(emotion.Int64)
		sess.EmotionScore = &v
	}
	if speakers.Valid {
		v := int(speakers.Int64)
		sess.SpeakerCount = &v
	}
	if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
		return domain.Session{}, fmt.Errorf("decode tags for %s: %w", sess.ID, err)
	}
	sess.Tags = nonNilTags(sess.Tags)
	return sess, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
