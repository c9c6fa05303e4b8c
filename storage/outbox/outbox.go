// Package outbox persists the offline payment queue in BoltDB.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"cashrail/native/payments"
)

var bucketPending = []byte("pending")

// Store is a payments.PendingStore. Records live in one nested bucket per
// owner keyed by record id.
type Store struct {
	db *bolt.DB
}

var _ payments.PendingStore = (*Store)(nil)

// Open initialises the BoltDB file at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: init: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the Bolt handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces a record.
func (s *Store) Put(_ context.Context, p payments.PendingPayment) error {
	if p.ID == "" || p.Owner == "" {
		return fmt.Errorf("outbox: record id and owner required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		owner, err := tx.Bucket(bucketPending).CreateBucketIfNotExists([]byte(p.Owner))
		if err != nil {
			return err
		}
		return owner.Put([]byte(p.ID), raw)
	})
}

// Delete removes a record. Unknown ids return payments.ErrPendingNotFound.
func (s *Store) Delete(_ context.Context, owner, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPending).Bucket([]byte(owner))
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return payments.ErrPendingNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

// List returns the owner's records ordered by creation time.
func (s *Store) List(_ context.Context, owner string) ([]payments.PendingPayment, error) {
	var out []payments.PendingPayment
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPending).Bucket([]byte(owner))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var p payments.PendingPayment
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
