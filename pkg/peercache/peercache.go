// Package peercache persists last-known peer addresses so a restarted node
// can unicast its first discovery at former neighbors instead of relying on
// broadcast alone. The protocol itself keeps no durable state; the cache is
// purely a warm-start hint.
package peercache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketPeers = "peers"

	openTimeout = 2 * time.Second
)

// Seed is one cached peer address.
type Seed struct {
	NodeID   string    `json:"node_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// Cache is a BoltDB-backed peer address store.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("peercache: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketPeers))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Put records the address a peer was last reached at.
func (c *Cache) Put(nodeID, address string, seen time.Time) error {
	if nodeID == "" || address == "" {
		return errors.New("peercache: missing node id or address")
	}
	val, err := json.Marshal(Seed{NodeID: nodeID, Address: address, LastSeen: seen.UTC()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).Put([]byte(nodeID), val)
	})
}

// Seeds returns cached peers seen within maxAge, pruning older entries as a
// side effect. maxAge <= 0 returns everything.
func (c *Cache) Seeds(maxAge time.Duration) ([]Seed, error) {
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	var out []Seed
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPeers))
		cur := b.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var s Seed
			if err := json.Unmarshal(v, &s); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if !cutoff.IsZero() && s.LastSeen.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			out = append(out, s)
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Forget removes one peer from the cache.
func (c *Cache) Forget(nodeID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).Delete([]byte(nodeID))
	})
}
