package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quillvoice/quill-core/internal/config"
	_ "modernc.org/sqlite"
)

// Recording is the persisted record of one capture session.
type Recording struct {
	ID         string
	Device     string
	Format     string
	WAVPath    string
	SizeBytes  int64
	DurationMS int64
	Transcript string
	CreatedAt  time.Time
}

// Event is one timeline entry in a recording's lifecycle (started, paused,
// device swapped, stalled, stopped).
type Event struct {
	ID          int64
	RecordingID string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed recording ledger.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode no
// database is opened and every write becomes a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("recording store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("recording store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    device TEXT,
    format TEXT,
    wav_path TEXT,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    transcript TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS recording_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_recording_events_created ON recording_events(recording_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRecording ensures a recording row exists; repeated calls update the
// mutable columns in place.
func (s *Store) AppendRecording(ctx context.Context, rec Recording) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, device, format, wav_path, size_bytes, duration_ms, transcript, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET
		   device=excluded.device, format=excluded.format, wav_path=excluded.wav_path,
		   size_bytes=excluded.size_bytes, duration_ms=excluded.duration_ms, transcript=excluded.transcript`,
		rec.ID, rec.Device, rec.Format, rec.WAVPath, rec.SizeBytes, rec.DurationMS, rec.Transcript, rec.CreatedAt)
	return err
}

// AppendEvent writes one lifecycle event for a recording.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recording_events(recording_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.RecordingID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// GetRecording loads one recording row.
func (s *Store) GetRecording(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return rec, sql.ErrNoRows
	}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT recording_id, device, format, wav_path, size_bytes, duration_ms, transcript, created_at
		 FROM recordings WHERE recording_id = ?`, id).
		Scan(&rec.ID, &rec.Device, &rec.Format, &rec.WAVPath, &rec.SizeBytes, &rec.DurationMS, &rec.Transcript, &created)
	if err != nil {
		return rec, err
	}
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		rec.CreatedAt = ts
	}
	return rec, nil
}

// ListEvents retrieves up to limit lifecycle events for a recording ordered
// ascending by time.
func (s *Store) ListEvents(ctx context.Context, recordingID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, event_type, payload, created_at
		 FROM recording_events WHERE recording_id = ? ORDER BY created_at ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.RecordingID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM recording_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecordings > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id IN (
			SELECT recording_id FROM recordings ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
