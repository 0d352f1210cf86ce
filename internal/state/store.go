// Package state records which synthesis units have finished, keyed by a
// deterministic job identity, so an interrupted run resumes instead of
// regenerating audio it already paid for.
package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// JobID derives a stable identity for one generation job. Any change to
// the chapter texts, their order, the voice, or the model yields a new
// job and therefore a fresh progress ledger.
func JobID(chapters []string, voice, model string) string {
	h := sha256.New()
	var n [8]byte
	for _, text := range chapters {
		binary.BigEndian.PutUint64(n[:], uint64(len(text)))
		h.Write(n[:])
		h.Write([]byte(text))
	}
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Store is a badger-backed progress ledger.
type Store struct {
	db *badger.DB
}

// Open opens or creates the ledger at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unitKey(jobID, unit string) []byte {
	return []byte("job/" + jobID + "/unit/" + unit)
}

func jobPrefix(jobID string) []byte {
	return []byte("job/" + jobID + "/unit/")
}

// MarkCompleted records that unit finished for jobID. The value is the
// completion time, useful when inspecting a ledger by hand.
func (s *Store) MarkCompleted(jobID, unit string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unitKey(jobID, unit), stamp)
	})
}

// IsCompleted reports whether unit already finished for jobID.
func (s *Store) IsCompleted(jobID, unit string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(unitKey(jobID, unit))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// CompletedUnits returns the set of finished unit keys for jobID.
func (s *Store) CompletedUnits(jobID string) (map[string]bool, error) {
	done := make(map[string]bool)
	prefix := jobPrefix(jobID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			done[string(key[len(prefix):])] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// ClearJob forgets all progress for jobID.
func (s *Store) ClearJob(jobID string) error {
	prefix := jobPrefix(jobID)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
