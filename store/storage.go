package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.etcd.io/bbolt"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
)

// Storage holds every cache generation.
type Storage struct {
	db      *bbolt.DB
	backend backend.Backend
	codec   *Codec
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// Option configures a Storage instance.
type Option func(*Storage)

// WithLogger sets the logger for the storage.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// Open opens the generation index at path with snapshot bodies kept in b.
func Open(path string, b backend.Backend, opts ...Option) (*Storage, error) {
	s := &Storage{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGenerations)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketGenerations, err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.codec = codec
	s.logger.Debug("opened cache index", "path", path)
	return s, nil
}

// Close closes the index and releases codec resources.
func (s *Storage) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenCache returns the generation called name, creating it if needed.
func (s *Storage) OpenCache(ctx context.Context, name string) (*Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketGenerations)
		if root.Bucket([]byte(name)) != nil {
			return nil
		}
		gen, err := root.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		if _, err := gen.CreateBucket(bucketEntries); err != nil {
			return err
		}
		return gen.Put(keyCreatedAt, encodeTimestamp(s.now()))
	})
	if err != nil {
		return nil, fmt.Errorf("opening generation %s: %w", name, err)
	}
	return &Cache{storage: s, name: name}, nil
}

// Has reports whether a generation called name exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketGenerations).Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// Generations lists stored generations, oldest first.
func (s *Storage) Generations(ctx context.Context) ([]GenerationInfo, error) {
	var infos []GenerationInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGenerations).ForEachBucket(func(k []byte) error {
			gen := tx.Bucket(bucketGenerations).Bucket(k)
			info := GenerationInfo{
				Name:      string(k),
				CreatedAt: decodeTimestamp(gen.Get(keyCreatedAt)),
			}
			if entries := gen.Bucket(bucketEntries); entries != nil {
				info.Entries = entries.Stats().KeyN
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// Names lists generation names, oldest first.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	infos, err := s.Generations(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}

// Delete removes the generation called name and all of its snapshots.
// It reports whether the generation existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketGenerations)
		if root.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return root.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("deleting generation %s: %w", name, err)
	}

	// Index first so concurrent readers miss before files disappear.
	if err := s.backend.DeletePrefix(ctx, generationPrefix(name)); err != nil {
		return existed, fmt.Errorf("deleting snapshots for %s: %w", name, err)
	}

	if existed {
		s.logger.Debug("deleted generation", "name", name)
	}
	return existed, nil
}

// Sweep removes snapshot files of generations missing from the index. They
// are left behind when Delete fails after updating the index. It returns the
// generations swept.
func (s *Storage) Sweep(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	indexed := mapset.NewSet(names...)

	orphaned := mapset.NewSet[string]()
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, blobPrefix+"/")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if !indexed.Contains(name) {
			orphaned.Add(name)
		}
	}

	swept := orphaned.ToSlice()
	sort.Strings(swept)
	for _, name := range swept {
		if err := s.backend.DeletePrefix(ctx, generationPrefix(name)); err != nil {
			return nil, fmt.Errorf("sweeping %s: %w", name, err)
		}
		s.logger.Info("swept orphaned snapshots", "generation", name)
	}
	return swept, nil
}

// Match looks key up in every generation, oldest first.
func (s *Storage) Match(ctx context.Context, key string) (*Snapshot, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		snap, err := (&Cache{storage: s, name: name}).Match(ctx, key)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// encode frames snap into bytes for the backend.
func (s *Storage) encode(snap *Snapshot) ([]byte, *entry, error) {
	payload, encoding, digest, err := s.codec.Encode(snap.Body)
	if err != nil {
		return nil, nil, err
	}

	header := &backend.SnapshotHeader{
		URL:           snap.URL,
		Status:        snap.Status,
		Header:        snap.Header,
		ContentLength: int64(len(snap.Body)),
		Encoding:      encoding,
		ContentHash:   digest,
		CachedAt:      snap.StoredAt.Format(time.RFC3339Nano),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(payload)); err != nil {
		return nil, nil, err
	}

	return buf.Bytes(), &entry{
		URL:         snap.URL,
		Size:        int64(len(snap.Body)),
		ContentHash: digest,
		StoredAt:    snap.StoredAt,
	}, nil
}

// load reads and decodes the snapshot referenced by e.
func (s *Storage) load(ctx context.Context, key string, e *entry) (*Snapshot, error) {
	rc, err := s.backend.Read(ctx, e.BlobKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	defer func() { _ = rc.Close() }()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot frame: %w", err)
	}

	payload, err := io.ReadAll(io.LimitReader(body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}

	data, err := s.codec.Decode(payload, header.Encoding, header.ContentHash)
	if err != nil {
		return nil, err
	}

	storedAt, _ := time.Parse(time.RFC3339Nano, header.CachedAt)
	return &Snapshot{
		Key:      key,
		URL:      header.URL,
		Status:   header.Status,
		Header:   header.Header,
		Body:     data,
		StoredAt: storedAt,
	}, nil
}

func blobKey(generation, key string) string {
	h := offlinecache.KeyHash(key)
	return generationPrefix(generation) + "/" + h.Dir() + "/" + h.String()
}

func marshalEntry(e *entry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding index entry: %w", err)
	}
	return &e, nil
}
