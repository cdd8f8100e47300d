package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ncecere/usage_insights/internal/config"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := New(context.Background(), config.ExportsConfig{
		Storage: "local",
		Local:   config.ExportsLocalConfig{Directory: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	body := "user_id,spend\nu-alice,5.00\n"
	info, err := store.Put(ctx, "2025/06/usage.csv", strings.NewReader(body), PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(body)) {
		t.Fatalf("unexpected size %d", info.Size)
	}

	reader, got, err := store.Get(ctx, "2025/06/usage.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != body {
		t.Fatalf("payload mismatch: %q", data)
	}
	if got.ContentType != "text/csv" {
		t.Fatalf("content type mismatch: %q", got.ContentType)
	}

	if err := store.Delete(ctx, "2025/06/usage.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(ctx, "2025/06/usage.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	store, err := New(context.Background(), config.ExportsConfig{
		Storage:       "local",
		EncryptionKey: key,
		Local:         config.ExportsLocalConfig{Directory: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	body := "sensitive export payload"
	info, err := store.Put(ctx, "archive.csv", strings.NewReader(body), PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !info.Encrypted {
		t.Fatal("expected object marked encrypted")
	}

	reader, got, err := store.Get(ctx, "archive.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != body {
		t.Fatalf("decrypted payload mismatch: %q", data)
	}
	if !got.Encrypted {
		t.Fatal("expected get to report encryption")
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := newLocalStore(config.ExportsLocalConfig{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	if _, err := store.Put(context.Background(), "../escape.csv", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}

func TestEncryptorRejectsBadKey(t *testing.T) {
	if _, err := newEncryptor("not-base64!!"); err == nil {
		t.Fatal("expected base64 error")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := newEncryptor(short); err == nil {
		t.Fatal("expected key length error")
	}
}
