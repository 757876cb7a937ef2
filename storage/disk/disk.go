// Package disk implements storage over a single bbolt database file. It
// suits single-instance deployments; anything multi-node should use the sql
// backend instead.
package disk

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/heroku/webauthn-rp/storage"
)

type record struct {
	Version int64
	Data    []byte
	Expires *time.Time
}

func (r *record) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(r)
	return buf.Bytes(), err
}

func decodeRecord(data []byte) (*record, error) {
	var r *record
	buf := bytes.NewBuffer(data)
	err := gob.NewDecoder(buf).Decode(&r)
	return r, err
}

type Storage struct {
	db *bolt.DB

	// Now is the time source for expiry checks, overridable in tests.
	Now func() time.Time
}

func New(path string, mode os.FileMode) (*Storage, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{})
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, Now: time.Now}, nil
}

// Close releases the underlying database file.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(_ context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &errNotFound{fmt.Errorf("keyspace %s does not exist", keyspace)}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &errNotFound{fmt.Errorf("%s/%s was not found", keyspace, key)}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.Expires != nil && r.Expires.Before(s.Now()) {
			return &errNotFound{fmt.Errorf("%s/%s has expired", keyspace, key)}
		}
		version = r.Version
		return storage.Unmarshal(r.Data, into)
	})

	return version, err
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

func (s *Storage) putWithOptionalExpiry(_ context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	data, err := storage.Marshal(obj)
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(keyspace))
		if err != nil {
			return err
		}

		if o := b.Get([]byte(key)); o != nil {
			curr, err := decodeRecord(o)
			if err != nil {
				return err
			}
			live := curr.Expires == nil || curr.Expires.After(s.Now())
			if live && curr.Version != version {
				return &errConflict{fmt.Errorf("%s/%s version conflict, want to update version %d but current version is %d", keyspace, key, version, curr.Version)}
			}
		}

		newVersion = version + 1
		r := &record{
			Version: newVersion,
			Data:    data,
			Expires: expires,
		}
		enc, err := r.encode()
		if err != nil {
			return err
		}
		return b.Put([]byte(key), enc)
	})
	if err != nil {
		return 0, err
	}

	return newVersion, nil
}

func (s *Storage) List(_ context.Context, keyspace string) (keys []string, err error) {
	keys = []string{}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if r.Expires != nil && r.Expires.Before(s.Now()) {
				return nil
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *Storage) Delete(_ context.Context, keyspace, key string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.Version != version {
			return &errConflict{fmt.Errorf("%s/%s version conflict, want to delete version %d but current version is %d", keyspace, key, version, r.Version)}
		}
		return b.Delete([]byte(key))
	})
}

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

type errConflict struct {
	error
}

func (*errConflict) ConflictErr() {}
