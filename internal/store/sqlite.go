// Package store persists channel records and their status transition log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wagate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ChannelStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Transition is one row of the channel_events log.
type Transition struct {
	ID        int64         `json:"id"`
	ChannelID string        `json:"channelId"`
	From      domain.Status `json:"from"`
	To        domain.Status `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

const channelColumns = `id, name, user_id, provider, status, qr_code, instance_id, phone, last_sync_at, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, ch domain.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if !ch.Provider.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownProvider, ch.Provider)
	}
	now := s.now()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now
	if ch.Status == "" {
		ch.Status = domain.StatusDisconnected
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, user_id, provider, status, qr_code, instance_id, phone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.UserID, string(ch.Provider), string(ch.Status), ch.QRCode, ch.InstanceID, ch.Phone,
		ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*domain.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row, id)
}

func (s *SQLiteStore) FindByInstanceID(ctx context.Context, instanceID string) (*domain.Channel, error) {
	if instanceID == "" {
		return nil, domain.ErrChannelNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE instance_id = ? LIMIT 1`, instanceID)
	return scanChannel(row, instanceID)
}

func (s *SQLiteStore) FindConnected(ctx context.Context) ([]domain.Channel, error) {
	return s.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE status = ? ORDER BY created_at`, string(domain.StatusConnected))
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Channel, error) {
	return s.query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.Status, qrCode *string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	now := s.now()
	var res sql.Result
	var err error
	switch {
	case qrCode != nil && status == domain.StatusConnected:
		res, err = s.db.ExecContext(ctx,
			`UPDATE channels SET status=?, qr_code=?, last_sync_at=?, updated_at=? WHERE id=?`,
			string(status), *qrCode, now, now, id)
	case qrCode != nil:
		res, err = s.db.ExecContext(ctx,
			`UPDATE channels SET status=?, qr_code=?, updated_at=? WHERE id=?`,
			string(status), *qrCode, now, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE channels SET status=?, updated_at=? WHERE id=?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update channel %s status: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) SetInstanceID(ctx context.Context, id, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET instance_id=?, updated_at=? WHERE id=?`, instanceID, s.now(), id)
	if err != nil {
		return fmt.Errorf("set channel %s instance: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) SetPhone(ctx context.Context, id, phone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET phone=?, updated_at=? WHERE id=?`, phone, s.now(), id)
	if err != nil {
		return fmt.Errorf("set channel %s phone: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RecordTransition appends a row to the transition log.
func (s *SQLiteStore) RecordTransition(ctx context.Context, channelID string, from, to domain.Status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_events (channel_id, from_status, to_status, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		channelID, string(from), string(to), reason, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record transition for %s: %w", channelID, err)
	}
	return nil
}

// Transitions returns the most recent transitions for a channel, oldest first.
func (s *SQLiteStore) Transitions(ctx context.Context, channelID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, from_status, to_status, reason, created_at
		 FROM channel_events WHERE channel_id = ?
		 ORDER BY id DESC LIMIT ?`, channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.ChannelID, &from, &to, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.From, t.To = domain.Status(from), domain.Status(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DB exposes the handle for components sharing the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner, key string) (*domain.Channel, error) {
	var ch domain.Channel
	var provider, status string
	var lastSync sql.NullTime
	err := row.Scan(&ch.ID, &ch.Name, &ch.UserID, &provider, &status, &ch.QRCode,
		&ch.InstanceID, &ch.Phone, &lastSync, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	ch.Provider = domain.ProviderType(provider)
	ch.Status = domain.Status(status)
	if lastSync.Valid {
		ch.LastSyncAt = lastSync.Time
	}
	return &ch, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, id)
	}
	return nil
}

var _ domain.ChannelStore = (*SQLiteStore)(nil)
