// Package store provides a BoltDB-backed snapshot store for linman:
// scan generations for cross-run diffing, and the decoded DMI module
// cache so re-launches skip the expensive table decode.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"linman/internal/device"
	"linman/internal/dmi"
)

var (
	generationsBucket = []byte("generations")
	dmiBucket         = []byte("dmi_cache")
)

// Generation is one persisted scan snapshot.
type Generation struct {
	Seq     uint64          `msgpack:"seq"`
	Taken   time.Time       `msgpack:"taken"`
	Devices []device.Device `msgpack:"devices"`
}

// Store wraps a bbolt database for scan snapshots.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{generationsBucket, dmiBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot persists a new scan generation and returns its sequence
// number. Prior generations are never mutated.
func (s *Store) SaveSnapshot(devs []device.Device) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(generationsBucket)

		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}

		gen := Generation{Seq: seq, Taken: time.Now(), Devices: devs}
		data, err := msgpack.Marshal(gen)
		if err != nil {
			return fmt.Errorf("marshaling generation: %w", err)
		}

		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug().Uint64("seq", seq).Int("devices", len(devs)).Msg("Snapshot saved")
	return seq, nil
}

// LatestSnapshot returns the most recent generation, or nil when the
// store is empty.
func (s *Store) LatestSnapshot() (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var gen *Generation
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(generationsBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		var g Generation
		if err := msgpack.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("unmarshaling generation: %w", err)
		}
		gen = &g
		return nil
	})
	return gen, err
}

// Prune keeps only the newest keep generations.
func (s *Store) Prune(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(generationsBucket)

		count := b.Stats().KeyN
		drop := count - keep
		if drop <= 0 {
			return nil
		}

		// Delete through the cursor, the documented way to remove keys
		// mid-iteration.
		c := b.Cursor()
		for k, _ := c.First(); k != nil && drop > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			drop--
		}
		return nil
	})
}

// GetDMI looks up the decoded module set for a table hash. Satisfies the
// enumerator's DMICache.
func (s *Store) GetDMI(hash string) ([]dmi.MemoryModule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var modules []dmi.MemoryModule
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dmiBucket).Get([]byte(hash))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &modules); err != nil {
			return fmt.Errorf("unmarshaling dmi cache: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Corrupt DMI cache entry ignored")
		return nil, false
	}
	return modules, found
}

// PutDMI stores the decoded module set under a table hash.
func (s *Store) PutDMI(hash string, modules []dmi.MemoryModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(modules)
		if err != nil {
			return fmt.Errorf("marshaling dmi cache: %w", err)
		}
		return tx.Bucket(dmiBucket).Put([]byte(hash), data)
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
