package storage

import (
	"context"
	"time"

	"github.com/ugorji/go/codec"
)

// Storage is an interface used by the service to maintain state. Values are
// CBOR-encoded records; the version returned by Get must be submitted with
// any update to the same key, which makes every write a conditional update
// against the durable store.
type Storage interface {
	// Get returns the given item. If the item doesn't exist, an IsNotFoundErr
	// will be returned. The returned version should be submitted with any
	// updates to the returned object.
	Get(ctx context.Context, keyspace, key string, into interface{}) (version int64, err error)
	// Put stores the provided item. If this is an update to an existing
	// object its version should be included, for new objects the version
	// should be zero. If the update fails because of a version conflict, an
	// IsConflictErr will be returned.
	Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error)
	// PutWithExpiry is a Put, with a time after which the item should no
	// longer be accessible. This doesn't guarantee the data is deleted at
	// that time, but Get should not return it.
	PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error)
	// List retrieves all keys in the given keyspace.
	List(ctx context.Context, keyspace string) (keys []string, err error)
	// Delete removes the item at the given version. If the item doesn't
	// exist, an IsNotFoundErr will be returned; if the stored version no
	// longer matches, an IsConflictErr. A conditional delete is how callers
	// implement compare-and-clear.
	Delete(ctx context.Context, keyspace, key string, version int64) error
}

// Marshal encodes a record for storage.
func Marshal(obj interface{}) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, &codec.CborHandle{}).Encode(obj)
	return b, err
}

// Unmarshal decodes a stored record.
func Unmarshal(data []byte, into interface{}) error {
	return codec.NewDecoderBytes(data, &codec.CborHandle{}).Decode(into)
}

type errNotFound interface {
	NotFoundErr()
}

// IsNotFoundErr checks to see if the passed error is because the item was not
// found, as opposed to an actual error state. Errors comply to this if they
// have an `NotFoundErr()` method.
func IsNotFoundErr(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

type errConflict interface {
	ConflictErr()
}

// IsConflictErr checks to see if the passed error occurred because of a
// version conflict. Errors comply to this if they have a `ConflictErr()`
// method.
func IsConflictErr(err error) bool {
	_, ok := err.(errConflict)
	return ok
}
