package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"paircode/internal/config"
	"paircode/internal/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	sq, err := OpenSQLite(ctx, filepath.Join(dir, "rooms.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	bo, err := OpenBolt(filepath.Join(dir, "rooms.bolt"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	out := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
		"bolt":   bo,
	}
	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Get(ctx, "missing1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing = %v, want ErrNotFound", err)
			}
			if err := s.UpdateCode(ctx, "missing1", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateCode missing = %v, want ErrNotFound", err)
			}

			sess, err := CreateSession(ctx, s, model.LanguageJava)
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if len(sess.ID) != 8 || sess.Language != model.LanguageJava || sess.Code != "" {
				t.Fatalf("created = %+v", sess)
			}
			if err := s.Create(ctx, sess); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("second Create = %v, want ErrDuplicate", err)
			}

			if err := s.UpdateCode(ctx, sess.ID, "class A {}"); err != nil {
				t.Fatalf("UpdateCode: %v", err)
			}
			got, err := s.Get(ctx, sess.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Code != "class A {}" || got.Language != model.LanguageJava {
				t.Fatalf("Get = %+v", got)
			}
			if got.UpdatedAt.Before(got.CreatedAt) {
				t.Fatalf("UpdatedAt %v before CreatedAt %v", got.UpdatedAt, got.CreatedAt)
			}

			fresh, err := s.GetOrCreate(ctx, "custom01")
			if err != nil {
				t.Fatalf("GetOrCreate: %v", err)
			}
			if fresh.ID != "custom01" || fresh.Language != model.LanguagePython || fresh.Code != "" {
				t.Fatalf("GetOrCreate new = %+v", fresh)
			}
			again, err := s.GetOrCreate(ctx, sess.ID)
			if err != nil {
				t.Fatal(err)
			}
			if again.Code != "class A {}" {
				t.Fatalf("GetOrCreate existing = %+v", again)
			}
		})
	}
}

func TestCreateSessionUnknownLanguage(t *testing.T) {
	sess, err := CreateSession(context.Background(), NewMemory(), model.Language("cobol"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Language != model.LanguagePython {
		t.Fatalf("language = %q, want python", sess.Language)
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatal(err)
		}
		if len(id) != 8 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		for _, r := range id {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("id %q contains %q", id, r)
			}
		}
		seen[id] = true
	}
	if len(seen) < 199 {
		t.Fatalf("only %d distinct ids out of 200", len(seen))
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rooms.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Create(ctx, model.Session{ID: "persist1", Code: "x", Language: model.LanguageTypeScript, CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "persist1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != "x" || got.Language != model.LanguageTypeScript || !got.CreatedAt.Equal(created) {
		t.Fatalf("reopened = %+v", got)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.ServerConfig
		want    string
		wantErr bool
	}{
		{"memory", config.ServerConfig{Store: config.StoreMemory}, "*store.Memory", false},
		{"bolt", config.ServerConfig{Store: config.StoreBolt, BoltPath: filepath.Join(dir, "a.bolt")}, "*store.Bolt", false},
		{"auto without database url", config.ServerConfig{Store: config.StoreAuto, SQLitePath: filepath.Join(dir, "auto.db")}, "*store.SQLite", false},
		{"unknown", config.ServerConfig{Store: "mongo"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			var got string
			switch s.(type) {
			case *Memory:
				got = "*store.Memory"
			case *Bolt:
				got = "*store.Bolt"
			case *SQLite:
				got = "*store.SQLite"
			}
			if got != tt.want {
				t.Fatalf("backend = %s, want %s", got, tt.want)
			}
		})
	}
}
