package disk

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/heroku/webauthn-rp/storage"
)

func TestStorage(t *testing.T) {
	ctx, s, cleanup := setup(t)
	defer cleanup()

	storage.Test(ctx, t, s)
}

func setup(t *testing.T) (context.Context, *Storage, func()) {
	dir, err := ioutil.TempDir("", "disk-storage-test")
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(filepath.Join(dir, "test.db"), 0600)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatal(err)
	}

	return context.Background(), s, func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	}
}
