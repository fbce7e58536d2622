package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"analysis-backend/internal/shared/storage/object"
)

func TestSaveThenOpen(t *testing.T) {
	store := New(t.TempDir())
	obj, err := store.Save(context.Background(), "user-1", "Token.sol", strings.NewReader("contract Token {}"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if obj.Size != int64(len("contract Token {}")) {
		t.Fatalf("unexpected size %d", obj.Size)
	}
	if !strings.HasPrefix(obj.MimeType, "text/plain") {
		t.Fatalf("unexpected mime %q", obj.MimeType)
	}

	rc, err := store.Open(context.Background(), obj.Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "contract Token {}" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestOpenRejectsTraversalAndMissing(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Open(context.Background(), "../secret"); !errors.Is(err, object.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.Open(context.Background(), "missing/file"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}
