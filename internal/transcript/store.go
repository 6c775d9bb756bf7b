// Package transcript keeps the ordered output log of each session in bbolt.
//
// Each session owns a nested bucket under "transcripts"; records are keyed by
// an 8-byte big-endian sequence so cursor order is append order. Message
// indexes used by checkpoints count records in this log.
package transcript

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
)

var bucketTranscripts = []byte("transcripts")

// Store is a bbolt-backed transcript log. It is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the transcript database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("transcript db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTranscripts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append adds a record to the session log and returns the new length.
func (s *Store) Append(sessionID, line string) (int, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketTranscripts).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		n = seq
		return b.Put(itob(seq), []byte(line))
	})
	if err != nil {
		return 0, fmt.Errorf("append transcript %s: %w", sessionID, err)
	}
	return int(n), nil
}

// Len returns the number of records for the session. Unknown sessions have
// length zero.
func (s *Store) Len(sessionID string) (int, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketTranscripts).Bucket([]byte(sessionID)); b != nil {
			n = b.Sequence()
		}
		return nil
	})
	return int(n), err
}

// Read returns the first n records. A negative n reads everything.
// Requesting more records than exist is ErrBadRequest.
func (s *Store) Read(sessionID string, n int) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTranscripts).Bucket([]byte(sessionID))
		total := 0
		if b != nil {
			total = int(b.Sequence())
		}
		if n < 0 {
			n = total
		}
		if n > total {
			return apperrors.BadRequest(fmt.Sprintf("transcript of '%s' has %d messages, %d requested", sessionID, total, n))
		}
		out = make([]string, 0, n)
		if b == nil || n == 0 {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			out = append(out, string(v))
		}
		return nil
	})
	return out, err
}

// CopyPrefix copies the first n records of src into the empty log dst.
func (s *Store) CopyPrefix(src, dst string, n int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketTranscripts)
		if existing := root.Bucket([]byte(dst)); existing != nil && existing.Sequence() > 0 {
			return apperrors.Conflict(fmt.Sprintf("transcript of '%s' is not empty", dst))
		}
		from := root.Bucket([]byte(src))
		total := 0
		if from != nil {
			total = int(from.Sequence())
		}
		if n < 0 || n > total {
			return apperrors.BadRequest(fmt.Sprintf("cannot copy %d of %d messages from '%s'", n, total, src))
		}
		to, err := root.CreateBucketIfNotExists([]byte(dst))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		c := from.Cursor()
		copied := 0
		for k, v := c.First(); k != nil && copied < n; k, v = c.Next() {
			copied++
			if err := to.Put(itob(uint64(copied)), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return to.SetSequence(uint64(copied))
	})
}

// Digest returns a hex sha256 over the first n records, length-prefixed so
// record boundaries are part of the hash.
func (s *Store) Digest(sessionID string, n int) (string, error) {
	lines, err := s.Read(sessionID, n)
	if err != nil {
		return "", err
	}
	return DigestLines(lines), nil
}

// DigestLines hashes records the same way Digest does.
func DigestLines(lines []string) string {
	h := sha256.New()
	var size [8]byte
	for _, line := range lines {
		binary.BigEndian.PutUint64(size[:], uint64(len(line)))
		h.Write(size[:])
		h.Write([]byte(line))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Delete drops the session log.
func (s *Store) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketTranscripts).DeleteBucket([]byte(sessionID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
