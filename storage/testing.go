package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type testRecord struct {
	Name  string `codec:"name"`
	Blob  []byte `codec:"blob"`
	Count uint32 `codec:"count"`
}

// Test runs the storage conformance suite against s. Subtests must either
// clean up after themselves or use a unique keyspace.
func Test(ctx context.Context, t *testing.T, s Storage) {
	t.Run("testNonexistingGet", func(t *testing.T) { testNonexistingGet(ctx, t, s) })
	t.Run("testSetGetDelete", func(t *testing.T) { testSetGetDelete(ctx, t, s) })
	t.Run("testVersioning", func(t *testing.T) { testVersioning(ctx, t, s) })
	t.Run("testExpiry", func(t *testing.T) { testExpiry(ctx, t, s) })
	t.Run("testList", func(t *testing.T) { testList(ctx, t, s) })
	t.Run("testDeleteConflict", func(t *testing.T) { testDeleteConflict(ctx, t, s) })
}

func testNonexistingGet(ctx context.Context, t *testing.T, s Storage) {
	rec := new(testRecord)
	_, err := s.Get(ctx, "testNonexistingGet", "nothing", rec)
	if !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
}

func testSetGetDelete(ctx context.Context, t *testing.T, s Storage) {
	want := &testRecord{Name: "hello world", Blob: []byte{1, 2, 3}, Count: 9}

	if _, err := s.Put(ctx, "testSetGetDelete", "setget", 0, want); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	got := new(testRecord)
	ver, err := s.Get(ctx, "testSetGetDelete", "setget", got)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	} else if got.Name != want.Name || got.Count != want.Count || string(got.Blob) != string(want.Blob) {
		t.Errorf("want: %+v got: %+v", want, got)
	}

	if err := s.Delete(ctx, "testSetGetDelete", "setget", ver); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err = s.Get(ctx, "testSetGetDelete", "setget", got)
	if !IsNotFoundErr(err) {
		t.Fatalf("Want: NotFoundError, got %v", err)
	}
}

func testVersioning(ctx context.Context, t *testing.T, s Storage) {
	_, err := s.Put(ctx, "testVersioning", "vers", 0, &testRecord{Name: "version1"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	rec := new(testRecord)
	vers, err := s.Get(ctx, "testVersioning", "vers", rec)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err = s.Put(ctx, "testVersioning", "vers", 0, &testRecord{Name: "version2"})
	if !IsConflictErr(err) {
		t.Errorf("Want: conflict error, got %v", err)
	}

	_, err = s.Put(ctx, "testVersioning", "vers", vers, &testRecord{Name: "version2"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err = s.Get(ctx, "testVersioning", "vers", rec)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	} else if rec.Name != "version2" {
		t.Fatalf("Want: version2, got %s", rec.Name)
	}
}

func testExpiry(ctx context.Context, t *testing.T, s Storage) {
	_, err := s.PutWithExpiry(ctx, "testExpiry", "exp", 0, &testRecord{}, time.Now().Add(1*time.Second))
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	rec := new(testRecord)
	_, err = s.Get(ctx, "testExpiry", "exp", rec)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	time.Sleep(1 * time.Second)

	_, err = s.Get(ctx, "testExpiry", "exp", rec)
	if !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}

	// An expired record should not block a fresh write at version 0.
	_, err = s.Put(ctx, "testExpiry", "exp", 0, &testRecord{})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
}

func testList(ctx context.Context, t *testing.T, s Storage) {
	for i := 0; i < 10; i++ {
		if _, err := s.Put(ctx, "testList", fmt.Sprintf("item-%d", i), 0, &testRecord{}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.List(ctx, "testList")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if len(keys) != 10 {
		t.Errorf("Want: 10 keys, got %d", len(keys))
	}
}

func testDeleteConflict(ctx context.Context, t *testing.T, s Storage) {
	version := 3

	for i := 0; i < version; i++ {
		if _, err := s.Put(ctx, "testDeleteConflict", "item", int64(i), &testRecord{}); err != nil {
			t.Fatalf("Want: no error, got %v", err)
		}
	}

	if err := s.Delete(ctx, "testDeleteConflict", "item", 0); !IsConflictErr(err) {
		t.Fatalf("Want: conflict error, got %v", err)
	}

	if err := s.Delete(ctx, "testDeleteConflict", "item", int64(version)); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
}
