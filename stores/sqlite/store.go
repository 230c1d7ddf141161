// Package sqlite stores chatsesh users, chats and message history in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rlebel12/chatsesh"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const userColumns = `user_id, auth_id, auth_data, full_name, phone_number, email,
	first_auth_time, last_auth_time, last_activity, is_active`

// Store implements the chatsesh storage interfaces over SQLite. Timestamps are stored as
// UTC unix milliseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at path and applies bundled migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps read-modify-write upserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertUser(ctx context.Context, req chatsesh.UpsertUserRequest) (*chatsesh.UserRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, int64(req.UserID)))
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	rec := chatsesh.MergeUpsert(existing, req, s.now().UTC())
	authData, err := encodeClaims(rec.AuthData)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_id = excluded.auth_id,
			auth_data = excluded.auth_data,
			full_name = excluded.full_name,
			phone_number = excluded.phone_number,
			email = excluded.email,
			first_auth_time = excluded.first_auth_time,
			last_auth_time = excluded.last_auth_time,
			last_activity = excluded.last_activity,
			is_active = excluded.is_active`,
		int64(rec.UserID),
		rec.AuthID,
		authData,
		rec.FullName,
		rec.PhoneNumber,
		rec.Email,
		toMillis(rec.FirstAuthAt),
		toMillis(rec.LastAuthAt),
		toMillis(rec.LastActivityAt),
		rec.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

func (s *Store) DeactivateUser(ctx context.Context, user chatsesh.UserID) (*chatsesh.UserRecord, error) {
	rec, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET is_active = 0 WHERE user_id = ? RETURNING `+userColumns, int64(user)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate user: %w", err)
	}
	return rec, nil
}

func (s *Store) GetUser(ctx context.Context, user chatsesh.UserID) (*chatsesh.UserRecord, error) {
	rec, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, int64(user)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chatsesh.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

func (s *Store) CreateChat(ctx context.Context, user chatsesh.UserID, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, user_id)
		SELECT ?1, ?2 WHERE EXISTS (SELECT 1 FROM users WHERE user_id = ?2)
		ON CONFLICT (chat_id) DO UPDATE SET user_id = excluded.user_id`,
		chatID, int64(user))
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chatsesh.ErrUnknownUser
	}
	return nil
}

func (s *Store) LogMessage(ctx context.Context, chatID int64, text string, fromUser bool) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, text, from_user, created_at)
		SELECT ?1, ?2, ?3, ?4 WHERE EXISTS (SELECT 1 FROM chats WHERE chat_id = ?1)`,
		chatID, text, fromUser, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	if n == 0 {
		return chatsesh.ErrChatNotFound
	}
	return nil
}

// Messages returns the history of chatID in insertion order.
func (s *Store) Messages(ctx context.Context, chatID int64) ([]chatsesh.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, text, from_user, created_at FROM messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []chatsesh.MessageRecord
	for rows.Next() {
		var m chatsesh.MessageRecord
		var at int64
		if err := rows.Scan(&m.ChatID, &m.Text, &m.FromUser, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.At = fromMillis(sql.NullInt64{Int64: at, Valid: true})
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) BatchRecordActivity(ctx context.Context, updates map[chatsesh.UserID]time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE users SET last_activity = ? WHERE user_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare activity update: %w", err)
	}
	defer stmt.Close()

	count := 0
	for user, ts := range updates {
		res, err := stmt.ExecContext(ctx, toMillis(ts), int64(user))
		if err != nil {
			return 0, fmt.Errorf("record activity: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			count += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return count, nil
}

func scanUser(row *sql.Row) (*chatsesh.UserRecord, error) {
	var rec chatsesh.UserRecord
	var id int64
	var authData sql.NullString
	var firstAuth, lastAuth, lastActivity sql.NullInt64
	err := row.Scan(
		&id,
		&rec.AuthID,
		&authData,
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
	if authData.Valid {
		if err := json.Unmarshal([]byte(authData.String), &rec.AuthData); err != nil {
			return nil, fmt.Errorf("decode auth data: %w", err)
		}
	}
	rec.UserID = chatsesh.UserID(id)
	rec.FirstAuthAt = fromMillis(firstAuth)
	rec.LastAuthAt = fromMillis(lastAuth)
	rec.LastActivityAt = fromMillis(lastActivity)
	return &rec, nil
}

func encodeClaims(claims chatsesh.Claims) (sql.NullString, error) {
	if claims == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode auth data: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

var (
	_ chatsesh.UserStorer       = (*Store)(nil)
	_ chatsesh.UserGetter       = (*Store)(nil)
	_ chatsesh.HistoryStorer    = (*Store)(nil)
	_ chatsesh.ActivityRecorder = (*Store)(nil)
)
