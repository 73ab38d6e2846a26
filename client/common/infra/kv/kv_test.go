package kv

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "authToken"); err != nil || ok {
		t.Fatalf("empty get: ok=%t err=%v", ok, err)
	}
	if err := s.SetMany(ctx, map[string][]byte{"authToken": []byte("t1"), "userInfo": []byte(`{"id":"1"}`)}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	v, ok, err := s.Get(ctx, "authToken")
	if err != nil || !ok || string(v) != "t1" {
		t.Fatalf("get after set: %q ok=%t err=%v", v, ok, err)
	}
	if err := s.SetMany(ctx, map[string][]byte{"authToken": []byte("t2")}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _, _ := s.Get(ctx, "authToken"); string(v) != "t2" {
		t.Fatalf("overwrite not applied: %q", v)
	}
	if err := s.Delete(ctx, "authToken", "userInfo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, k := range []string{"authToken", "userInfo"} {
		if _, ok, _ := s.Get(ctx, k); ok {
			t.Fatalf("%s still present after delete", k)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "client.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetMany(ctx, map[string][]byte{"authToken": []byte("persisted")}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	v, ok, err := reopened.Get(ctx, "authToken")
	if err != nil || !ok || string(v) != "persisted" {
		t.Fatalf("after reopen: %q ok=%t err=%v", v, ok, err)
	}
}

func TestSealedStore(t *testing.T) {
	inner := NewMemory()
	s, err := NewSealed(inner, []byte("device-secret"))
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)

	ctx := context.Background()
	if err := s.SetMany(ctx, map[string][]byte{"authToken": []byte("bearer-value")}); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := inner.Get(ctx, "authToken")
	if bytes.Contains(raw, []byte("bearer-value")) {
		t.Fatal("value stored in clear text")
	}

	other, err := NewSealed(inner, []byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := other.Get(ctx, "authToken"); !errors.Is(err, ErrSealedValue) {
		t.Fatalf("wrong key err = %v", err)
	}

	// ciphertext moved to another key must not open
	_ = inner.SetMany(ctx, map[string][]byte{"userInfo": raw})
	if _, _, err := s.Get(ctx, "userInfo"); !errors.Is(err, ErrSealedValue) {
		t.Fatalf("swapped ciphertext err = %v", err)
	}
}
