package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"paircode/internal/model"
)

var roomsBucket = []byte("rooms")

// Bolt stores sessions as JSON values in an embedded bbolt file.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Create(_ context.Context, sess model.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roomsBucket)
		if bucket.Get([]byte(sess.ID)) != nil {
			return ErrDuplicate
		}
		return putSession(bucket, sess)
	})
}

func (b *Bolt) Get(_ context.Context, id string) (model.Session, error) {
	var sess model.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		sess, err = getSession(tx.Bucket(roomsBucket), id)
		return err
	})
	return sess, err
}

func (b *Bolt) UpdateCode(_ context.Context, id, code string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roomsBucket)
		sess, err := getSession(bucket, id)
		if err != nil {
			return err
		}
		sess.Code = code
		sess.UpdatedAt = time.Now().UTC()
		return putSession(bucket, sess)
	})
}

func (b *Bolt) GetOrCreate(_ context.Context, id string) (model.Session, error) {
	var sess model.Session
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roomsBucket)
		var err error
		sess, err = getSession(bucket, id)
		if err != ErrNotFound {
			return err
		}
		sess = newSession(id, time.Now().UTC())
		return putSession(bucket, sess)
	})
	return sess, err
}

func (b *Bolt) Close() error { return b.db.Close() }

func getSession(bucket *bolt.Bucket, id string) (model.Session, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return model.Session{}, ErrNotFound
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return model.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess.Language = model.ParseLanguage(string(sess.Language))
	return sess, nil
}

func putSession(bucket *bolt.Bucket, sess model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return bucket.Put([]byte(sess.ID), data)
}
