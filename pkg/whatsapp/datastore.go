package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"modernc.org/sqlite"

	"github.com/zapmesh/wagateway/pkg/log"
)

// ErrCorruptStorage marks an instance auth container that exists on disk
// but cannot hold a valid session, typically a zero-byte database left by
// an interrupted write.
var ErrCorruptStorage = errors.New("instance auth storage is corrupt")

const (
	sessionFileName   = "session.db"
	resetAttempts     = 3
	resetRetryBackoff = 250 * time.Millisecond
)

func init() {
	// whatsmeow picks its SQL dialect from the driver name, so the modernc
	// driver has to answer to "sqlite3".
	for _, d := range sql.Drivers() {
		if d == "sqlite3" {
			return
		}
	}
	sql.Register("sqlite3", &sqlite.Driver{})
}

// StorageConfig locates instance auth storage. The default layout is one
// SQLite file per instance under Root; a postgres:// DatastoreURI switches
// every instance onto a shared server-side container instead.
type StorageConfig struct {
	Root         string
	DatastoreURI string
}

func (c StorageConfig) SharedDatastore() bool {
	return strings.HasPrefix(c.DatastoreURI, "postgres://") ||
		strings.HasPrefix(c.DatastoreURI, "postgresql://")
}

func (c StorageConfig) InstanceDir(instanceID string) string {
	return filepath.Join(c.Root, instanceID)
}

// Verify checks the instance's on-disk container for corruption. A missing
// directory or file is fine, that is just a fresh instance.
func (c StorageConfig) Verify(instanceID string) error {
	if c.SharedDatastore() {
		return nil
	}

	path := filepath.Join(c.InstanceDir(instanceID), sessionFileName)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorruptStorage, path)
	}
	return nil
}

// Reset destroys the instance's auth container so the next connect starts
// a fresh pairing. Removal is retried a few times because the session file
// may still be held open for a moment after disconnect.
func (c StorageConfig) Reset(instanceID string) error {
	if c.SharedDatastore() {
		return nil
	}

	dir := c.InstanceDir(instanceID)
	var err error
	for attempt := 1; attempt <= resetAttempts; attempt++ {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		log.Instance(instanceID).Warnf("storage reset attempt %d/%d failed: %v", attempt, resetAttempts, err)
		time.Sleep(resetRetryBackoff)
	}
	return fmt.Errorf("reset storage for %s: %w", instanceID, err)
}

// Prepare validates the container and resets it when corrupt, then makes
// sure the instance directory exists.
func (c StorageConfig) Prepare(instanceID string) error {
	if c.SharedDatastore() {
		return nil
	}

	if err := c.Verify(instanceID); err != nil {
		if !errors.Is(err, ErrCorruptStorage) {
			return err
		}
		log.Instance(instanceID).Warnf("corrupt auth storage detected, resetting: %v", err)
		if err := c.Reset(instanceID); err != nil {
			return err
		}
	}
	return os.MkdirAll(c.InstanceDir(instanceID), 0o755)
}

func (c StorageConfig) openContainer(ctx context.Context, instanceID string) (*sqlstore.Container, error) {
	if c.SharedDatastore() {
		return sqlstore.New(ctx, "postgres", c.DatastoreURI, nil)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)",
		filepath.Join(c.InstanceDir(instanceID), sessionFileName))
	return sqlstore.New(ctx, "sqlite3", dsn, nil)
}
