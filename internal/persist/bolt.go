package persist

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var roomsBucket = []byte("rooms")

// BoltLog stores each room as a nested bucket keyed by big-endian sequence
// numbers, so a cursor walks the log in append order.
type BoltLog struct {
	db *bolt.DB
}

func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (l *BoltLog) Append(ctx context.Context, room string, update []byte) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(roomsBucket).CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), update)
	})
	return seq, err
}

func (l *BoltLog) Entries(ctx context.Context, room string) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket).Bucket([]byte(room))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			// values are only valid for the life of the transaction
			entries = append(entries, Entry{
				Seq:    binary.BigEndian.Uint64(k),
				Update: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return entries, err
}

func (l *BoltLog) Compact(ctx context.Context, room string, upto uint64, snapshot []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(roomsBucket).CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upto; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return b.Put(seqKey(upto), snapshot)
	})
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}
