package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLights     = []byte("lights")
	bucketController = []byte("controller")
	keyCtrlState     = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLights, bucketController} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) SaveLight(l *Light) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		return putJSON(b, []byte(l.ID), l)
	})
}

func (s *BoltStore) GetLight(id string) (*Light, error) {
	var l Light
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("light %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) DeleteLight(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListLights() ([]*Light, error) {
	var lights []*Light
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return nil
		}
		lights = make([]*Light, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var l Light
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("light %s: %w", k, err)
			}
			lights = append(lights, &l)
			return nil
		})
	})
	return lights, err
}

func (s *BoltStore) UpdateLight(id string, fn func(l *Light) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("light %s: %w", id, ErrNotFound)
		}
		var l Light
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		if err := fn(&l); err != nil {
			return err
		}
		// The key is fixed; fn may not move the record.
		l.ID = id
		return putJSON(b, []byte(id), &l)
	})
}

func (s *BoltStore) SaveControllerState(state *ControllerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		return putJSON(b, keyCtrlState, state)
	})
}

func (s *BoltStore) GetControllerState() (*ControllerState, error) {
	var state ControllerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data := b.Get(keyCtrlState)
		if data == nil {
			return fmt.Errorf("controller state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
