// Package postgres stores chatsesh users, chats and message history in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rlebel12/chatsesh"
)

const foreignKeyViolation = "23503"

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

func New(db DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

type Store struct {
	db  DBTX
	now func() time.Time
}

const userColumns = `user_id, auth_id, auth_data, full_name, phone_number, email,
	first_auth_time, last_auth_time, last_activity, is_active`

// UpsertUser merges req into the stored record inside a transaction that holds the row lock.
func (s *Store) UpsertUser(ctx context.Context, req chatsesh.UpsertUserRequest) (*chatsesh.UserRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1 FOR UPDATE`, int64(req.UserID)))
	if errors.Is(err, pgx.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	rec := chatsesh.MergeUpsert(existing, req, s.now().UTC())
	_, err = tx.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_id = EXCLUDED.auth_id,
			auth_data = EXCLUDED.auth_data,
			full_name = EXCLUDED.full_name,
			phone_number = EXCLUDED.phone_number,
			email = EXCLUDED.email,
			first_auth_time = EXCLUDED.first_auth_time,
			last_auth_time = EXCLUDED.last_auth_time,
			last_activity = EXCLUDED.last_activity,
			is_active = EXCLUDED.is_active`,
		int64(rec.UserID),
		rec.AuthID,
		rec.AuthData,
		rec.FullName,
		rec.PhoneNumber,
		rec.Email,
		timestampToPGTYPE(rec.FirstAuthAt),
		timestampToPGTYPE(rec.LastAuthAt),
		timestampToPGTYPE(rec.LastActivityAt),
		rec.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

func (s *Store) DeactivateUser(ctx context.Context, user chatsesh.UserID) (*chatsesh.UserRecord, error) {
	rec, err := scanUser(s.db.QueryRow(ctx,
		`UPDATE users SET is_active = FALSE WHERE user_id = $1 RETURNING `+userColumns, int64(user)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate user: %w", err)
	}
	return rec, nil
}

func (s *Store) GetUser(ctx context.Context, user chatsesh.UserID) (*chatsesh.UserRecord, error) {
	rec, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, int64(user)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chatsesh.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

func (s *Store) CreateChat(ctx context.Context, user chatsesh.UserID, chatID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chats (chat_id, user_id) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		chatID, int64(user))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return chatsesh.ErrUnknownUser
	}
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) LogMessage(ctx context.Context, chatID int64, text string, fromUser bool) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO messages (chat_id, text, from_user, created_at)
		SELECT $1::bigint, $2::text, $3::boolean, $4::timestamptz
		WHERE EXISTS (SELECT 1 FROM chats WHERE chat_id = $1)`,
		chatID, text, fromUser, s.now().UTC())
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatsesh.ErrChatNotFound
	}
	return nil
}

// Messages returns the history of chatID in insertion order.
func (s *Store) Messages(ctx context.Context, chatID int64) ([]chatsesh.MessageRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT chat_id, text, from_user, created_at FROM messages WHERE chat_id = $1 ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatsesh.MessageRecord, error) {
		var m chatsesh.MessageRecord
		err := row.Scan(&m.ChatID, &m.Text, &m.FromUser, &m.At)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) BatchRecordActivity(ctx context.Context, updates map[chatsesh.UserID]time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(updates))
	stamps := make([]time.Time, 0, len(updates))
	for user, ts := range updates {
		ids = append(ids, int64(user))
		stamps = append(stamps, ts.UTC())
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE users AS u SET last_activity = v.ts
		FROM unnest($1::bigint[], $2::timestamptz[]) AS v(user_id, ts)
		WHERE u.user_id = v.user_id`,
		ids, stamps)
	if err != nil {
		return 0, fmt.Errorf("record activity: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanUser(row pgx.Row) (*chatsesh.UserRecord, error) {
	var rec chatsesh.UserRecord
	var id int64
	var firstAuth, lastAuth, lastActivity pgtype.Timestamptz
	err := row.Scan(
		&id,
		&rec.AuthID,
		&rec.AuthData,
		&rec.FullName,
		&rec.PhoneNumber,
		&rec.Email,
		&firstAuth,
		&lastAuth,
		&lastActivity,
		&rec.IsActive,
	)
	if err != nil {
		return nil, err
	}
	rec.UserID = chatsesh.UserID(id)
	rec.FirstAuthAt = timestampFromPGTYPE(firstAuth)
	rec.LastAuthAt = timestampFromPGTYPE(lastAuth)
	rec.LastActivityAt = timestampFromPGTYPE(lastActivity)
	return &rec, nil
}

func timestampToPGTYPE(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{
		Time:  t,
		Valid: !t.IsZero(),
	}
}

func timestampFromPGTYPE(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

var (
	_ chatsesh.UserStorer       = (*Store)(nil)
	_ chatsesh.UserGetter       = (*Store)(nil)
	_ chatsesh.HistoryStorer    = (*Store)(nil)
	_ chatsesh.ActivityRecorder = (*Store)(nil)
)
