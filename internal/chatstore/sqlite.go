package chatstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"apphub/internal/model"
	logx "apphub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the store.
//
// Path ":memory:" opens an in-memory database (tests).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("chatstore path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one message. A missing ID or timestamp is filled in.
// The stored message is returned.
func (s *Store) Append(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_messages(id, uid, app_id, text, sender, conversation_id, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		m.ID, m.UID, m.AppID, m.Text, string(m.Sender), nullStr(m.ConversationID),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// Recent returns up to limit messages for (uid, appID), newest first.
// Callers wanting chronological order reverse the slice.
func (s *Store) Recent(ctx context.Context, uid, appID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uid, app_id, text, sender, conversation_id, created_at
		 FROM app_messages
		 WHERE uid = ? AND app_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		uid, appID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m      model.Message
			sender string
			convID sql.NullString
			at     string
		)
		if err := rows.Scan(&m.ID, &m.UID, &m.AppID, &m.Text, &sender, &convID, &at); err != nil {
			return nil, err
		}
		m.Sender = model.MessageSender(sender)
		if convID.Valid {
			m.ConversationID = convID.String
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TrimOlderThan deletes messages created before cutoff. Used by the
// janitor to bound table growth.
func (s *Store) TrimOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM app_messages WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
