// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sqlite implements storage.Store on a single SQLite database file
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-32000", // 32MB
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// HELPERS
// =============================================================================

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, millis(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, storage.ErrConflict)
	}
	return err
}

// GetUser returns the user with id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &created); err != nil {
		return nil, notFound(err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// CreateToken stores a token hash for userID.
func (s *Store) CreateToken(ctx context.Context, userID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (hash, user_id, created_at) VALUES (?, ?, ?)`,
		tokenHash, userID, millis(time.Now()))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

// UserByToken returns the owner of a token hash.
func (s *Store) UserByToken(ctx context.Context, tokenHash string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.created_at
		FROM tokens t JOIN users u ON u.id = t.user_id
		WHERE t.hash = ?`, tokenHash)
	return scanUser(row)
}

// DeleteToken revokes a token hash.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE hash = ?`, tokenHash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// THREADS
// =============================================================================

const threadColumns = `id, user_id, title, model, pinned, status, created_at, updated_at`

func scanThread(row rowScanner) (*model.Thread, error) {
	var t model.Thread
	var pinned int
	var status string
	var created, updated int64
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Model, &pinned, &status, &created, &updated); err != nil {
		return nil, notFound(err)
	}
	t.Pinned = pinned != 0
	t.Status = model.ThreadStatus(status)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// CreateThread inserts a thread.
func (s *Store) CreateThread(ctx context.Context, t *model.Thread) error {
	status := t.Status
	if status == "" {
		status = model.ThreadIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Model, boolInt(t.Pinned), string(status),
		millis(t.CreatedAt), millis(t.UpdatedAt))
	return err
}

// GetThread returns a thread owned by userID.
func (s *Store) GetThread(ctx context.Context, userID, id string) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = ? AND user_id = ?`, id, userID)
	return scanThread(row)
}

// ListThreads returns a user's threads, pinned first, then most recently updated.
func (s *Store) ListThreads(ctx context.Context, userID string, opts storage.ListOptions) ([]*model.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE user_id = ?`
	args := []any{userID}
	if !opts.Before.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, millis(opts.Before))
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		query += ` AND title LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
	}
	query += ` ORDER BY pinned DESC, updated_at DESC, id LIMIT ?`
	args = append(args, opts.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	threads := []*model.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpdateThread applies patch to a thread owned by userID.
func (s *Store) UpdateThread(ctx context.Context, userID, id string, patch storage.ThreadPatch) (*model.Thread, error) {
	sets := []string{"updated_at = ?"}
	args := []any{millis(time.Now())}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	args = append(args, id, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetThread(ctx, userID, id)
}

// ClaimThread marks an idle thread as generating.
func (s *Store) ClaimThread(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = ?`,
		string(model.ThreadGenerating), millis(time.Now()), id, userID, string(model.ThreadIdle))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetThread(ctx, userID, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

// SetThreadStatus sets a thread's status.
func (s *Store) SetThreadStatus(ctx context.Context, id string, status model.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), millis(time.Now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteThread deletes an idle thread and, by cascade, its messages.
func (s *Store) DeleteThread(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE id = ? AND user_id = ? AND status = ?`,
		id, userID, string(model.ThreadIdle))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetThread(ctx, userID, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

// =============================================================================
// MESSAGES
// =============================================================================

const messageColumns = `id, thread_id, user_id, role, content, reasoning, attachments, model, status,
	error, finish_reason, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens,
	cost_micros, created_at, updated_at, finished_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var role, status string
	var attachments []byte
	var created, updated int64
	var finished sql.NullInt64
	err := row.Scan(&m.ID, &m.ThreadID, &m.UserID, &role, &m.Content, &m.Reasoning, &attachments,
		&m.Model, &status, &m.Error, &m.FinishReason,
		&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.ReasoningTokens,
		&m.Usage.TotalTokens, &m.Usage.CostMicros, &created, &updated, &finished)
	if err != nil {
		return nil, notFound(err)
	}
	m.Role = model.Role(role)
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		m.FinishedAt = &t
	}
	if len(attachments) > 0 {
		if err := cbor.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of message %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

// CreateMessage inserts a message and bumps the thread's updated_at.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	var attachments []byte
	if len(m.Attachments) > 0 {
		var err error
		if attachments, err = cbor.Marshal(m.Attachments); err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
	}
	var finished sql.NullInt64
	if m.FinishedAt != nil {
		finished = sql.NullInt64{Int64: millis(*m.FinishedAt), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.UserID, string(m.Role), m.Content, m.Reasoning, attachments,
		m.Model, string(m.Status), m.Error, m.FinishReason,
		m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.ReasoningTokens,
		m.Usage.TotalTokens, m.Usage.CostMicros, millis(m.CreatedAt), millis(m.UpdatedAt), finished)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("thread %s: %w", m.ThreadID, storage.ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`,
		millis(m.CreatedAt), m.ThreadID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at, rowid`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpdateMessageStream writes partial output of a live message.
func (s *Store) UpdateMessageStream(ctx context.Context, id string, patch storage.StreamPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	query := `UPDATE messages SET status = ?, content = ?, reasoning = ?, updated_at = ?`
	args := []any{string(patch.Status), patch.Content, patch.Reasoning, millis(time.Now())}
	if u := patch.Usage; u != nil {
		query += `, prompt_tokens = ?, completion_tokens = ?, reasoning_tokens = ?, total_tokens = ?, cost_micros = ?`
		args = append(args, u.PromptTokens, u.CompletionTokens, u.ReasoningTokens, u.TotalTokens, u.CostMicros)
	}
	query += ` WHERE id = ? AND status IN ('pending', 'streaming')`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.liveWriteResult(ctx, id, res)
}

// FinalizeMessage writes the terminal state of a live message.
func (s *Store) FinalizeMessage(ctx context.Context, id string, final storage.Final) error {
	if err := final.Validate(); err != nil {
		return err
	}
	finishedAt := final.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, content = ?, reasoning = ?, error = ?, finish_reason = ?,
			prompt_tokens = ?, completion_tokens = ?, reasoning_tokens = ?, total_tokens = ?, cost_micros = ?,
			updated_at = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'streaming')`,
		string(final.Status), final.Content, final.Reasoning, final.Error, final.FinishReason,
		final.Usage.PromptTokens, final.Usage.CompletionTokens, final.Usage.ReasoningTokens,
		final.Usage.TotalTokens, final.Usage.CostMicros,
		millis(finishedAt), millis(finishedAt), id)
	if err != nil {
		return err
	}
	return s.liveWriteResult(ctx, id, res)
}

// liveWriteResult distinguishes a missing message from a terminal one when a
// conditional write matched no rows.
func (s *Store) liveWriteResult(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	return storage.ErrAlreadyFinal
}

// MarkStaleStreams finalizes orphaned live messages as error.
func (s *Store) MarkStaleStreams(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	cutoff := millis(olderThan)
	now := millis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = 'error', error = ?, updated_at = ?, finished_at = ?
		WHERE status IN ('pending', 'streaming') AND updated_at <= ?`,
		reason, now, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET status = 'idle'
		WHERE status = 'generating' AND updated_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM messages m
			WHERE m.thread_id = threads.id AND m.status IN ('pending', 'streaming'))`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// CreateAttachment inserts attachment metadata.
func (s *Store) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, user_id, name, media_type, size, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.MediaType, a.Size, a.Digest, millis(a.CreatedAt))
	return err
}

// GetAttachment returns attachment metadata owned by userID.
func (s *Store) GetAttachment(ctx context.Context, userID, id string) (*model.Attachment, error) {
	var a model.Attachment
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, media_type, size, digest, created_at
		FROM attachments WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&a.ID, &a.UserID, &a.Name, &a.MediaType, &a.Size, &a.Digest, &created)
	if err != nil {
		return nil, notFound(err)
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// =============================================================================
// USAGE
// =============================================================================

// RecordUsage appends a usage record.
func (s *Store) RecordUsage(ctx context.Context, rec storage.UsageRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	u := rec.Usage
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (user_id, thread_id, message_id, model, prompt_tokens, completion_tokens,
			reasoning_tokens, total_tokens, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ThreadID, rec.MessageID, rec.Model, u.PromptTokens, u.CompletionTokens,
		u.ReasoningTokens, u.TotalTokens, u.CostMicros, millis(created))
	return err
}

// UsageSummary aggregates a user's usage per model since a time.
func (s *Store) UsageSummary(ctx context.Context, userID string, since time.Time) (*storage.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(reasoning_tokens),
			SUM(total_tokens), SUM(cost_micros)
		FROM usage WHERE user_id = ? AND created_at >= ?
		GROUP BY model ORDER BY model`, userID, millis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &storage.UsageSummary{Since: since, ByModel: []storage.ModelUsage{}}
	for rows.Next() {
		var mu storage.ModelUsage
		u := &mu.Usage
		if err := rows.Scan(&mu.Model, &mu.Generations, &u.PromptTokens, &u.CompletionTokens,
			&u.ReasoningTokens, &u.TotalTokens, &u.CostMicros); err != nil {
			return nil, err
		}
		summary.ByModel = append(summary.ByModel, mu)
		summary.Generations += mu.Generations
		summary.Total = summary.Total.Add(mu.Usage)
	}
	return summary, rows.Err()
}
