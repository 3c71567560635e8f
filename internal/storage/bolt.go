// Package storage persists per-server settings, OAuth tokens and the
// tool-call activity log in a bbolt database. All records are namespaced by
// the server's storage key prefix so state from different MCP servers never
// collides or leaks across servers.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = fmt.Errorf("record not found")

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens (or creates) the database under dataDir
func Open(dataDir string, logger *zap.Logger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mcpbridge.db")
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	b := &BoltDB{db: db, logger: logger.Named("storage")}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return b, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ServerSettingsBucket, OAuthTokenBucket, ActivityBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			var version [8]byte
			binary.BigEndian.PutUint64(version[:], CurrentSchemaVersion)
			return meta.Put([]byte(SchemaVersionKey), version[:])
		}
		return nil
	})
}

// GetServerEnabled returns the persisted enabled toggle for a server prefix.
// The second return reports whether a toggle was ever persisted.
func (b *BoltDB) GetServerEnabled(prefix string) (enabled, found bool, err error) {
	var record ServerSettingsRecord
	err = b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(ServerSettingsBucket)).Get([]byte(prefix + ".enabled"))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err == ErrNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return record.Enabled, true, nil
}

// SetServerEnabled persists the enabled toggle for a server prefix
func (b *BoltDB) SetServerEnabled(prefix, serverID string, enabled bool) error {
	record := ServerSettingsRecord{ServerID: serverID, Enabled: enabled, Updated: time.Now()}
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ServerSettingsBucket)).Put([]byte(prefix+".enabled"), data)
	})
}

// GetToken loads the stored OAuth token record for a server prefix
func (b *BoltDB) GetToken(prefix string) (*OAuthTokenRecord, error) {
	var record OAuthTokenRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(OAuthTokenBucket)).Get([]byte(prefix + ".tokens"))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SaveToken stores the OAuth token record for a server prefix
func (b *BoltDB) SaveToken(prefix string, record *OAuthTokenRecord) error {
	record.Updated = time.Now()
	if record.Created.IsZero() {
		record.Created = record.Updated
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(OAuthTokenBucket)).Put([]byte(prefix+".tokens"), data)
	})
}

// DeleteToken removes the stored tokens for a server prefix. Deleting a
// missing record is not an error.
func (b *BoltDB) DeleteToken(prefix string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(OAuthTokenBucket)).Delete([]byte(prefix + ".tokens"))
	})
}
