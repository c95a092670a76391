// Package store persists gateway state in postgres: the roster of managed
// instances plus the outbound and inbound audit logs. The whole package is
// optional; without a configured database the gateway runs from its
// environment roster and keeps no history.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zapmesh/wagateway/pkg/log"
)

type Store struct {
	pool *pgxpool.Pool
}

type OutboundEntry struct {
	InstanceID  string
	Destination string
	MessageID   string
	Kind        string
	Preview     string
	Outcome     string
	Error       string
}

type InboundEntry struct {
	InstanceID string
	Chat       string
	Sender     string
	MessageID  string
	Preview    string
	IsGroup    bool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gateway database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping gateway database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS outbound_log (
			id          BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			destination TEXT NOT NULL,
			message_id  TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL DEFAULT 'text',
			preview     TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS outbound_log_created_idx ON outbound_log (created_at)`,
		`CREATE TABLE IF NOT EXISTS inbound_log (
			id          BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			chat        TEXT NOT NULL,
			sender      TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			preview     TEXT NOT NULL DEFAULT '',
			is_group    BOOLEAN NOT NULL DEFAULT false,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS inbound_log_created_idx ON inbound_log (created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate gateway schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) SaveInstance(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instances (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		instanceID)
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, instanceID)
	return err
}

// ListInstances returns the persisted roster in creation order, used at
// startup to restore sessions.
func (s *Store) ListInstances(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, err
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

func (s *Store) LogOutbound(ctx context.Context, e OutboundEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbound_log (instance_id, destination, message_id, kind, preview, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.InstanceID, e.Destination, e.MessageID, e.Kind, e.Preview, e.Outcome, e.Error)
	return err
}

func (s *Store) LogInbound(ctx context.Context, e InboundEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_log (instance_id, chat, sender, message_id, preview, is_group)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.InstanceID, e.Chat, e.Sender, e.MessageID, e.Preview, e.IsGroup)
	return err
}

// PruneLogs deletes audit rows older than the retention window. Driven by
// the daily cron.
func (s *Store) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	var total int64
	for _, table := range []string{"outbound_log", "inbound_log"} {
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}

	if total > 0 {
		log.Print(nil).Infof("pruned %d audit rows older than %s", total, retention)
	}
	return total, nil
}
