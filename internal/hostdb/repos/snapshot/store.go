// Package snapshot persists the entry store image in a bbolt file so a
// restart starts warm. The file carries a major/minor format version; a file
// written under any other version is discarded and rebuilt.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

const (
	MajorVersion uint32 = 4
	MinorVersion uint32 = 1
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	keyVersion = []byte("version")
	keyUpdated = []byte("updated")
)

// Info describes the persisted image.
type Info struct {
	Major       uint32
	Minor       uint32
	UpdatedUnix int64
	Records     int
	// Rebuilt is true when Open discarded an image of another version.
	Rebuilt bool
}

// Store is a bbolt-backed record image.
type Store struct {
	db      *bbolt.DB
	logger  log.Logger
	rebuilt bool
}

// Open opens or creates the image at path.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger}
	if err := db.Update(s.prepare); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// prepare checks the version header, dropping a mismatched image.
func (s *Store) prepare(tx *bbolt.Tx) error {
	if meta := tx.Bucket(bucketMeta); meta != nil {
		major, minor, ok := readVersion(meta)
		if ok && major == MajorVersion && minor == MinorVersion {
			_, err := tx.CreateBucketIfNotExists(bucketRecords)
			return err
		}
		s.logger.Warn(map[string]any{
			"found":    fmt.Sprintf("%d.%d", major, minor),
			"expected": fmt.Sprintf("%d.%d", MajorVersion, MinorVersion),
		}, "snapshot version mismatch, rebuilding")
		s.rebuilt = true
		if err := tx.DeleteBucket(bucketMeta); err != nil {
			return err
		}
		if tx.Bucket(bucketRecords) != nil {
			if err := tx.DeleteBucket(bucketRecords); err != nil {
				return err
			}
		}
	}
	meta, err := tx.CreateBucket(bucketMeta)
	if err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
		return err
	}
	return writeVersion(meta, MajorVersion, MinorVersion)
}

func readVersion(b *bbolt.Bucket) (major, minor uint32, ok bool) {
	v := b.Get(keyVersion)
	if len(v) != 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(v[:4]), binary.BigEndian.Uint32(v[4:]), true
}

func writeVersion(b *bbolt.Bucket, major, minor uint32) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], major)
	binary.BigEndian.PutUint32(buf[4:], minor)
	return b.Put(keyVersion, buf)
}

func (s *Store) Close() error { return s.db.Close() }

// Save replaces the image with recs.
func (s *Store) Save(recs []*domain.Record, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRecords) != nil {
			if err := tx.DeleteBucket(bucketRecords); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketRecords)
		if err != nil {
			return err
		}
		for _, r := range recs {
			v, err := encodeRecord(r)
			if err != nil {
				s.logger.Warn(map[string]any{"digest": r.Digest.String(), "error": err.Error()}, "skipping unencodable record")
				continue
			}
			// keys are a sequence so Load preserves bucket order
			seq, _ := b.NextSequence()
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := b.Put(key, v); err != nil {
				return err
			}
		}
		ubuf := make([]byte, 8)
		binary.BigEndian.PutUint64(ubuf, uint64(now.Unix()))
		return tx.Bucket(bucketMeta).Put(keyUpdated, ubuf)
	})
}

// Load decodes every stored record in save order. Records that fail to
// decode are logged and skipped.
func (s *Store) Load() ([]*domain.Record, error) {
	var out []*domain.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				s.logger.Warn(map[string]any{"key": fmt.Sprintf("%x", k), "error": err.Error()}, "skipping corrupt snapshot record")
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Info reads the image header.
func (s *Store) Info() Info {
	info := Info{Rebuilt: s.rebuilt}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketMeta); b != nil {
			info.Major, info.Minor, _ = readVersion(b)
			if v := b.Get(keyUpdated); len(v) == 8 {
				info.UpdatedUnix = int64(binary.BigEndian.Uint64(v))
			}
		}
		if b := tx.Bucket(bucketRecords); b != nil {
			info.Records = b.Stats().KeyN
		}
		return nil
	})
	return info
}
