package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record appends one usage-accounting event. Satisfies
// dispatch.UsageRecorder.
func (s *Store) Record(ctx context.Context, uid, appID, kind, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_history(id, uid, app_id, kind, conversation_id, created_at)
		 VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), uid, appID, kind, nullStr(conversationID),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// UsageCount returns how many usage events an app has accumulated.
func (s *Store) UsageCount(ctx context.Context, appID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_history WHERE app_id = ?`, appID,
	).Scan(&n)
	return n, err
}

// SetToken stores (or replaces) the push token for a user.
func (s *Store) SetToken(ctx context.Context, uid, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens(uid, token, updated_at) VALUES(?,?,?)
		 ON CONFLICT(uid) DO UPDATE SET token=excluded.token, updated_at=excluded.updated_at`,
		uid, token, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Token returns the push token for a user, or "" when none is
// registered. Satisfies dispatch.TokenSource.
func (s *Store) Token(ctx context.Context, uid string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM device_tokens WHERE uid = ?`, uid,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, err
}
