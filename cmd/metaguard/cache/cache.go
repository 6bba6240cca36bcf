// Package cache stores analyze reports keyed by the content they were
// computed from.
//
// Keys are BLAKE3 digests over the tool version, the effective settings and
// the contents of every source file the run read. Values are zstd-compressed
// JSON documents kept in a single bbolt bucket.
//
// Thread Safety: A Cache is safe for concurrent use.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var bucketReports = []byte("reports")

var (
	enc *zstd.Encoder
	dec *zstd.Decoder
)

func init() {
	var err error
	dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic(err)
	}
}

// Key identifies a cached value.
type Key [32]byte

// String returns the hex form of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NewKey hashes version, settings and the named files. File names are
// sorted first, so the order of files does not matter.
func NewKey(version string, settings []byte, files []string) (Key, error) {
	h := blake3.New()
	writeField(h, []byte(version))
	writeField(h, settings)

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, name := range sorted {
		f, err := os.Open(name)
		if err != nil {
			return Key{}, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		writeField(h, []byte(name))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return Key{}, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		// Separate file contents from the next name.
		h.Write([]byte{0})
	}

	var k Key
	copy(k[:], h.Sum(nil))
	return k, nil
}

// writeField writes a length-prefixed field.
func writeField(w io.Writer, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	w.Write(n[:])
	w.Write(b)
}

// Cache is a persistent report cache.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReports)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ErrCorrupt is returned by Get when a stored value cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// Get decodes the value stored under k into v. It reports whether the key
// was present.
func (c *Cache) Get(k Key, v any) (bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		// The value is only valid inside the transaction.
		if b := tx.Bucket(bucketReports).Get(k[:]); b != nil {
			raw = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return false, fmt.Errorf("%w %s: %v", ErrCorrupt, k, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w %s: %v", ErrCorrupt, k, err)
	}
	return true, nil
}

// Put stores v under k, replacing any previous value.
func (c *Cache) Put(k Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).Put(k[:], compressed)
	})
}

// Delete removes k. Deleting a missing key is not an error.
func (c *Cache) Delete(k Key) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).Delete(k[:])
	})
}

// Len returns the number of stored entries.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketReports).Stats().KeyN
		return nil
	})
	return n, err
}
