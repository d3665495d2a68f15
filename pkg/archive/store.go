package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/robotalks/pop.go/pkg/mailbox"
)

// Record is an archived message.
type Record struct {
	ID          string       `db:"id"`
	SessionID   string       `db:"session_id"`
	Seq         int          `db:"seq"`
	MessageID   string       `db:"message_id"`
	Subject     string       `db:"subject"`
	Sender      string       `db:"sender"`
	Date        sql.NullTime `db:"date"`
	Size        int          `db:"size"`
	Attachments int          `db:"attachments"`
	Raw         []byte       `db:"raw"`
	FetchedAt   time.Time    `db:"fetched_at"`
}

// Store archives retrieved messages in SQLite.
type Store struct {
	// Now is the clock for fetched_at, defaults to time.Now.
	Now func() time.Time

	db *sqlx.DB
}

// Open opens (or creates) the archive at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// one writer, the loop goroutine.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	s := &Store{Now: time.Now, db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	return version, err
}

func (s *Store) runMigrations() error {
	current := 0
	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if current, err = s.SchemaVersion(); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		glog.V(1).Infof("archive: applying migration v%d", m.version)
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Save archives a message and returns the record id.
func (s *Store) Save(ctx context.Context, msg *mailbox.Message) (string, error) {
	id := uuid.NewString()
	var date sql.NullTime
	if !msg.Date.IsZero() {
		date = sql.NullTime{Time: msg.Date.UTC(), Valid: true}
	}
	const query = `
		INSERT INTO messages (
			id, session_id, seq, message_id, subject, sender,
			date, size, attachments, raw, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		id, msg.SessionID, msg.Seq, msg.MessageID, msg.Subject, msg.From,
		date, msg.Size(), len(msg.Attachments), msg.Raw, s.now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting message %d: %w", msg.Seq, err)
	}
	return id, nil
}

// StoreMessage implements mailbox.Sink.
func (s *Store) StoreMessage(msg *mailbox.Message) error {
	_, err := s.Save(context.Background(), msg)
	return err
}

const listColumns = `id, session_id, seq, message_id, subject, sender,
	date, size, attachments, fetched_at`

// List returns the latest records without the raw text, newest first.
// limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := "SELECT " + listColumns + " FROM messages ORDER BY fetched_at DESC, session_id, seq DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return records, nil
}

// ListSession returns the records of one session in message order.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records,
		"SELECT "+listColumns+" FROM messages WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session %s: %w", sessionID, err)
	}
	return records, nil
}

// Get returns a record with its raw text.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, "SELECT "+listColumns+", raw FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &rec, nil
}

// Count returns the number of archived messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// HasMessageID indicates a message with the Message-Id was archived.
func (s *Store) HasMessageID(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE message_id = ?", messageID)
	if err != nil {
		return false, fmt.Errorf("looking up message id: %w", err)
	}
	return n > 0, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
