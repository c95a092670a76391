package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// routing maps instance IDs to device JIDs when every instance shares one
// postgres auth container. Without it GetFirstDevice would hand the same
// device to every instance.
type routing struct {
	db *sql.DB
}

func openRouting(ctx context.Context, dsn string) (*routing, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open routing database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping routing database: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS instance_routing (
			instance_id TEXT PRIMARY KEY,
			device_jid  TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create instance_routing table: %w", err)
	}
	return &routing{db: db}, nil
}

func (r *routing) Save(ctx context.Context, instanceID string, deviceJID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO instance_routing (instance_id, device_jid, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (instance_id)
		DO UPDATE SET device_jid = EXCLUDED.device_jid, updated_at = now()`,
		instanceID, deviceJID)
	return err
}

func (r *routing) Lookup(ctx context.Context, instanceID string) (string, bool, error) {
	var jid string
	err := r.db.QueryRowContext(ctx,
		`SELECT device_jid FROM instance_routing WHERE instance_id = $1`,
		instanceID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jid, true, nil
}

func (r *routing) Delete(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM instance_routing WHERE instance_id = $1`, instanceID)
	return err
}

func (r *routing) Close() error {
	return r.db.Close()
}
