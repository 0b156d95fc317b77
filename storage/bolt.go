package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// BoltBackend stores documents in a single bbolt database file. It suits
// single-node deployments that want atomic writes without running a server.
type BoltBackend struct {
	db          *bbolt.DB
	log         *slog.Logger
	locationURI string
}

// NewBoltBackend opens or creates the database at path.
func NewBoltBackend(path string, log *slog.Logger) (*BoltBackend, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	db, err := bbolt.Open(absPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltBackend{
		db:          db,
		log:         log,
		locationURI: "bolt://" + absPath,
	}, nil
}

// Close releases the database file lock.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func boltKey(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return []byte(strings.Trim(key, "/")), nil
}

// Fetch returns the document stored under key.
func (b *BoltBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	k, err := boltKey(key)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get(k)
		if v == nil {
			return interfaces.ErrContentNotFound
		}
		// Values are only valid for the life of the transaction.
		data = bytes.Clone(v)
		return nil
	})
	return data, err
}

// Store writes data under key.
func (b *BoltBackend) Store(ctx context.Context, key string, data []byte) error {
	k, err := boltKey(key)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put(k, data)
	})
}

// Delete removes key.
func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	k, err := boltKey(key)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		if bucket.Get(k) == nil {
			return interfaces.ErrContentNotFound
		}
		return bucket.Delete(k)
	})
}

// List returns the documents directly below prefix.
func (b *BoltBackend) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := boltKey(prefix)
	if err != nil {
		return nil, err
	}
	p = append(p, '/')

	var keys []string
	err = b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			name := string(k[len(p):])
			if !strings.Contains(name, "/") {
				keys = append(keys, name)
			}
		}
		return nil
	})
	return keys, err
}

// Available reports whether the database is open.
func (b *BoltBackend) Available(ctx context.Context) bool {
	err := b.db.View(func(tx *bbolt.Tx) error { return nil })
	if err != nil {
		b.log.Warn("Bolt backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *BoltBackend) Name() string {
	return "bolt-" + filepath.Base(b.db.Path())
}

// LocationURI returns the URI that identifies this storage backend.
func (b *BoltBackend) LocationURI() string {
	return b.locationURI
}
