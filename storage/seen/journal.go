// Package seen persists the ids of processed envelopes so inbox dedup
// survives restarts.
package seen

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"cashrail/native/delivery"
)

const keyPrefix = "seen:"

// Journal is a LevelDB backed delivery.Journal.
type Journal struct {
	db    *leveldb.DB
	clock func() time.Time
}

var _ delivery.Journal = (*Journal)(nil)

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("seen: journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("seen: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("seen: open leveldb: %w", err)
	}
	return &Journal{db: db, clock: time.Now}, nil
}

// OpenMemory returns a journal held in memory.
func OpenMemory() (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("seen: open memory: %w", err)
	}
	return &Journal{db: db, clock: time.Now}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func ownerPrefix(owner string) []byte {
	return []byte(keyPrefix + owner + ":")
}

func key(owner, id string) []byte {
	return append(ownerPrefix(owner), id...)
}

// Record marks ids as processed for owner.
func (j *Journal) Record(owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(j.clock().Unix()))
	batch := new(leveldb.Batch)
	for _, id := range ids {
		if id == "" {
			continue
		}
		batch.Put(key(owner, id), stamp[:])
	}
	if err := j.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("seen: record: %w", err)
	}
	return nil
}

// Load returns every id recorded for owner.
func (j *Journal) Load(owner string) ([]string, error) {
	prefix := ownerPrefix(owner)
	iter := j.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("seen: load: %w", err)
	}
	return out, nil
}

// Prune drops entries for owner recorded before cutoff and returns how many
// were removed.
func (j *Journal) Prune(owner string, cutoff time.Time) (int, error) {
	prefix := ownerPrefix(owner)
	iter := j.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	limit := uint64(cutoff.Unix())
	for iter.Next() {
		value := iter.Value()
		if len(value) != 8 || binary.BigEndian.Uint64(value) < limit {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("seen: prune: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := j.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("seen: prune: %w", err)
	}
	return batch.Len(), nil
}
