package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"paircode/internal/model"
)

func TestCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["language"] != "java" {
			t.Fatalf("language = %q", body["language"])
		}
		_, _ = io.WriteString(w, `{"roomId":"Ab3dE6gH"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	id, err := NewWithClient(srv.URL, srv.Client()).CreateSession(context.Background(), model.LanguageJava)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "Ab3dE6gH" {
		t.Fatalf("id = %q", id)
	}
}

func TestGetSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/known", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"roomId":"known","code":"x = 1","language":"python","createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:06Z"}`)
	})
	mux.HandleFunc("/rooms/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Room not found"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewWithClient(srv.URL, srv.Client())

	sess, err := c.GetSession(context.Background(), "known")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != "known" || sess.Code != "x = 1" || sess.Language != model.LanguagePython {
		t.Fatalf("session = %+v", sess)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !sess.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v", sess.CreatedAt)
	}

	if _, err := c.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestComplete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/autocomplete/", func(w http.ResponseWriter, r *http.Request) {
		var req model.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.CursorPosition != 3 || req.Code != "def" {
			t.Fatalf("request = %+v", req)
		}
		_, _ = io.WriteString(w, `{"suggestion":"def function_name():","startPosition":0,"endPosition":3}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).Complete(context.Background(),
		model.CompletionRequest{Code: "def", CursorPosition: 3, Language: model.LanguagePython})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Suggestion != "def function_name():" || resp.StartPosition != 0 || resp.EndPosition != 3 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"detail":"upstream down"}`)
	}))
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).Complete(context.Background(), model.CompletionRequest{Code: "x"})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want RequestError", err)
	}
	if reqErr.StatusCode != http.StatusBadGateway || reqErr.Message != "upstream down" {
		t.Fatalf("RequestError = %+v", reqErr)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewWithClient(srv.URL, srv.Client()).WithTimeout(20 * time.Millisecond)
	if _, err := c.Complete(context.Background(), model.CompletionRequest{Code: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}
