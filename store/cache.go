package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// Cache is one named generation.
type Cache struct {
	storage *Storage
	name    string
}

// Name returns the generation name.
func (c *Cache) Name() string {
	return c.name
}

// Put stores snap under snap.Key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, snap *Snapshot) error {
	return c.PutAll(ctx, []*Snapshot{snap})
}

// PutAll stores every snapshot or none of them.
// Snapshot files are written first; the index is updated in a single
// transaction and the files are removed again if that transaction fails.
func (c *Cache) PutAll(ctx context.Context, snaps []*Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	type pending struct {
		key   string
		entry *entry
	}
	written := make([]pending, 0, len(snaps))

	cleanup := func() {
		for _, p := range written {
			_ = c.storage.backend.Delete(ctx, p.entry.BlobKey)
		}
	}

	for _, snap := range snaps {
		if snap.Key == "" {
			cleanup()
			return errors.New("snapshot has no request key")
		}
		if snap.StoredAt.IsZero() {
			snap.StoredAt = c.storage.now().UTC()
		}
		data, e, err := c.storage.encode(snap)
		if err != nil {
			cleanup()
			return fmt.Errorf("encoding snapshot %s: %w", snap.Key, err)
		}
		e.BlobKey = blobKey(c.name, snap.Key)
		if err := c.storage.backend.Write(ctx, e.BlobKey, bytes.NewReader(data)); err != nil {
			cleanup()
			return fmt.Errorf("writing snapshot %s: %w", snap.Key, err)
		}
		written = append(written, pending{key: snap.Key, entry: e})
	}

	err := c.storage.db.Update(func(tx *bbolt.Tx) error {
		entries, err := c.entries(tx)
		if err != nil {
			return err
		}
		for _, p := range written {
			data, err := marshalEntry(p.entry)
			if err != nil {
				return err
			}
			if err := entries.Put([]byte(p.key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cleanup()
		return fmt.Errorf("indexing snapshots in %s: %w", c.name, err)
	}
	return nil
}

// Match returns the snapshot stored under key.
// Returns ErrNotFound on a miss.
func (c *Cache) Match(ctx context.Context, key string) (*Snapshot, error) {
	var e *entry
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		entries, err := c.entries(tx)
		if err != nil {
			return err
		}
		data := entries.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		e, err = unmarshalEntry(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap, err := c.storage.load(ctx, key, e)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.storage.logger.Warn("index entry without snapshot", "generation", c.name, "key", key)
		}
		return nil, err
	}
	return snap, nil
}

// Delete removes key from the generation and reports whether it was present.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	var e *entry
	err := c.storage.db.Update(func(tx *bbolt.Tx) error {
		entries, err := c.entries(tx)
		if err != nil {
			return err
		}
		data := entries.Get([]byte(key))
		if data == nil {
			return nil
		}
		if e, err = unmarshalEntry(data); err != nil {
			return err
		}
		return entries.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("deleting %s from %s: %w", key, c.name, err)
	}
	if e == nil {
		return false, nil
	}
	if err := c.storage.backend.Delete(ctx, e.BlobKey); err != nil {
		return true, fmt.Errorf("deleting snapshot %s: %w", key, err)
	}
	return true, nil
}

// Keys lists the request keys stored in the generation.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		entries, err := c.entries(tx)
		if err != nil {
			return err
		}
		return entries.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// entries returns the entries bucket, or ErrNotFound when the generation has
// been deleted since the Cache was opened.
func (c *Cache) entries(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	gen := tx.Bucket(bucketGenerations).Bucket([]byte(c.name))
	if gen == nil {
		return nil, fmt.Errorf("generation %s: %w", c.name, ErrNotFound)
	}
	entries := gen.Bucket(bucketEntries)
	if entries == nil {
		return nil, fmt.Errorf("generation %s has no entries bucket", c.name)
	}
	return entries, nil
}
