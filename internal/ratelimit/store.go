package ratelimit

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// counterStore persists quota counters next to the job queue
type counterStore struct {
	db *bolt.DB
}

func newCounterStore(db *bolt.DB) (*counterStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}
	return &counterStore{db: db}, nil
}

// load returns every stored counter; undecodable entries are dropped
func (s *counterStore) load() (map[string]*Counter, error) {
	counters := make(map[string]*Counter)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var c Counter
			if json.Unmarshal(v, &c) == nil {
				counters[string(k)] = &c
			}
			return nil
		})
	})
	return counters, err
}

func (s *counterStore) save(counters map[string]*Counter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		for key, c := range counters {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode counter %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}
