package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the conversation log, the seen-message set and alert
// cooldowns.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- conversation log ---

// AppendTurn records a turn. The log is never truncated.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (channel, role, content, transport, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.Channel, string(turn.Role), turn.Content, string(turn.Transport), turn.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the last n turns of channel, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, channel string, n int) ([]domain.ConversationTurn, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, role, content, transport, created_at FROM (
			SELECT id, channel, role, content, transport, created_at FROM turns
			WHERE channel = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		channel, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var role, transport string
		var ms int64
		if err := rows.Scan(&t.ID, &t.Channel, &role, &t.Content, &transport, &ms); err != nil {
			return nil, err
		}
		t.Role = domain.Role(role)
		t.Transport = domain.Transport(transport)
		t.Timestamp = time.UnixMilli(ms)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurns returns the total number of turns on a channel.
func (s *SQLiteStore) CountTurns(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE channel = ?`, channel).Scan(&n)
	return n, err
}

// --- seen-message set ---

// MarkSeen records ids as processed and trims the set to the most recent retain entries.
func (s *SQLiteStore) MarkSeen(ctx context.Context, ids []string, retain int) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO seen_messages (message_id, seen_at) VALUES (?, ?)`, id, now,
		); err != nil {
			return fmt.Errorf("mark seen %s: %w", id, err)
		}
	}
	if retain > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM seen_messages WHERE seq NOT IN (
				SELECT seq FROM seen_messages ORDER BY seq DESC LIMIT ?
			)`, retain,
		); err != nil {
			return fmt.Errorf("trim seen: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSeen returns up to limit most recent seen ids, oldest first.
func (s *SQLiteStore) LoadSeen(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM (
			SELECT seq, message_id FROM seen_messages ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load seen: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- alert cooldowns ---

// SaveCooldown records when an alert type last fired.
func (s *SQLiteStore) SaveCooldown(ctx context.Context, alertType string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_cooldowns (alert_type, fired_at) VALUES (?, ?)
		 ON CONFLICT(alert_type) DO UPDATE SET fired_at = excluded.fired_at`,
		alertType, firedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save cooldown %s: %w", alertType, err)
	}
	return nil
}

// LoadCooldowns returns the last firing time of every alert type.
func (s *SQLiteStore) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alert_type, fired_at FROM alert_cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var typ string
		var ms int64
		if err := rows.Scan(&typ, &ms); err != nil {
			return nil, err
		}
		out[typ] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
