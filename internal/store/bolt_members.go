package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"sealchat/internal/domain"
)

const (
	membersBucket  = "members"
	metadataBucket = "metadata"
	versionKey     = "version"

	lockTimeout = time.Second
)

// BoltMembershipCache persists the last-known membership of every room
// in a bbolt database, so a restarted client can still address a room
// whose live membership is unavailable.
type BoltMembershipCache struct {
	db *bolt.DB
}

// OpenBoltMembershipCache creates (or loads) the cache database at f. It
// gives up after lockTimeout when another process holds the file.
func OpenBoltMembershipCache(f string) (*BoltMembershipCache, error) {
	db, err := bolt.Open(f, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(membersBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("store: incompatible membership cache version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltMembershipCache{db: db}, nil
}

// SaveMembers replaces the snapshot for room.
func (c *BoltMembershipCache) SaveMembers(room domain.RoomID, members []domain.Identity) error {
	b, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(membersBucket)).Put([]byte(room), b)
	})
}

// LoadMembers returns the snapshot for room, if any.
func (c *BoltMembershipCache) LoadMembers(room domain.RoomID) ([]domain.Identity, bool, error) {
	var out []domain.Identity
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(membersBucket)).Get([]byte(room))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// Close flushes and closes the database.
func (c *BoltMembershipCache) Close() error {
	if err := c.db.Sync(); err != nil {
		_ = c.db.Close()
		return err
	}
	return c.db.Close()
}

// Compile-time assertion that BoltMembershipCache implements domain.MembershipCache.
var _ domain.MembershipCache = (*BoltMembershipCache)(nil)
