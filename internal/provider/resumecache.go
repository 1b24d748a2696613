// ResumeCache tracks in-flight upload/download progress so a killed
// process can resume instead of restarting a large transfer from zero:
// a small bbolt database mapping a transfer key to how many bytes of
// that object have already been acknowledged.
package provider

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var resumeBucket = []byte("resume_progress")

// Each record's value is offset(8) || last_update_unix_seconds(8), both
// big-endian, so GC can age out abandoned transfers without a companion
// bucket.
const resumeRecordSize = 16

// ResumeCache persists transfer offsets at <data_dir>/cache/mtproto/resume.db.
type ResumeCache struct {
	db *bolt.DB
}

// OpenResumeCache opens (creating if absent) the bbolt file at path,
// creating parent directories as needed.
func OpenResumeCache(path string) (*ResumeCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("provider: create resume cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("provider: open resume cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(resumeBucket)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("provider: init resume cache bucket: %w", err)
	}
	return &ResumeCache{db: db}, nil
}

// Progress returns the last recorded byte offset for key, or 0 if none.
func (c *ResumeCache) Progress(key string) (int64, error) {
	var offset int64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		if len(v) < resumeRecordSize {
			return fmt.Errorf("provider: corrupt resume record for %q", key)
		}
		offset = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return offset, err
}

// SetProgress records that offset bytes of key have been transferred.
func (c *ResumeCache) SetProgress(key string, offset int64) error {
	buf := make([]byte, resumeRecordSize)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Put([]byte(key), buf)
	})
}

// Clear removes the progress record for key, called once a transfer is
// fully acknowledged so the cache does not grow unbounded.
func (c *ResumeCache) Clear(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Delete([]byte(key))
	})
}

// GC removes progress records whose last update is older than maxAge,
// returning the count removed, so abandoned transfers do not accumulate
// forever.
func (c *ResumeCache) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) < resumeRecordSize {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			updated := time.Unix(int64(binary.BigEndian.Uint64(v[8:])), 0)
			if updated.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (c *ResumeCache) Close() error {
	return c.db.Close()
}
