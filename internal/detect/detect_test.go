package detect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writePhoto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tray.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatalf("write photo: %v", err)
	}
	return path
}

func TestAnalyzeUploadsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/detect" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file.Close() //nolint:errcheck
		w.Write([]byte(`{"items":["llave_6","llave_7"]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	items, err := NewHTTPAnalyzer(srv.URL).Analyze(context.Background(), writePhoto(t))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(items) != 2 || items[0] != "llave_6" || items[1] != "llave_7" {
		t.Fatalf("unexpected items %v", items)
	}
}

func TestAnalyzeEmptyTray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"items":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	items, err := NewHTTPAnalyzer(srv.URL).Analyze(context.Background(), writePhoto(t))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestAnalyzeServiceErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewHTTPAnalyzer(srv.URL).Analyze(context.Background(), writePhoto(t)); err == nil {
		t.Fatalf("expected error on 500")
	}
}
