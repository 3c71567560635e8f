package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// AppendToolCall records one proxied tool invocation in the activity log and
// prunes the oldest entries beyond limit. ULID keys sort chronologically, so
// pruning walks the bucket from the front.
func (b *BoltDB) AppendToolCall(record *ToolCallRecord, limit int) error {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal tool call record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActivityBucket))
		if err := bucket.Put([]byte(record.ID), data); err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		excess := count - limit
		// Deleting through the cursor keeps iteration valid; Bucket.Delete
		// mid-walk can skip keys.
		for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// ListToolCalls returns up to limit records, newest first
func (b *BoltDB) ListToolCalls(limit int) ([]*ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*ToolCallRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(ActivityBucket)).Cursor()
		for k, v := cursor.Last(); k != nil && len(records) < limit; k, v = cursor.Prev() {
			var record ToolCallRecord
			if err := json.Unmarshal(v, &record); err != nil {
				b.logger.Warn("Skipping corrupt activity record", zap.String("key", string(k)), zap.Error(err))
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
