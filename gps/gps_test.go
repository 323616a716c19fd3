package gps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileProviderReturnsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eph.dat")
	if err := os.WriteFile(path, []byte("ephemeris"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := FileProvider{Path: path}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.Path != path || src.Almanac {
		t.Fatalf("unexpected source: %+v", src)
	}
}

func TestFileProviderAlmanacFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "almanac.txt")
	if err := os.WriteFile(path, []byte("almanac"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := FileProvider{Path: path, Almanac: true}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !src.Almanac {
		t.Fatalf("almanac flag lost: %+v", src)
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	_, err := FileProvider{Path: filepath.Join(t.TempDir(), "nope.dat")}.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected missing file error")
	}
	if _, err := (FileProvider{}).Fetch(context.Background()); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestHTTPProviderDownloadsEphemeris(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("brdc data"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := HTTPProvider{EphemerisURL: srv.URL, Dir: dir}
	src, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.Almanac {
		t.Fatalf("ephemeris download must not be flagged as almanac")
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "brdc data" {
		t.Fatalf("unexpected file contents %q", data)
	}
}

func TestHTTPProviderFallsBackToAlmanac(t *testing.T) {
	ephSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ephSrv.Close()
	almSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("almanac data"))
	}))
	defer almSrv.Close()

	p := HTTPProvider{EphemerisURL: ephSrv.URL, AlmanacURL: almSrv.URL, Dir: t.TempDir()}
	src, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !src.Almanac {
		t.Fatalf("fallback must be flagged as almanac: %+v", src)
	}
}

func TestHTTPProviderAllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := HTTPProvider{EphemerisURL: srv.URL, AlmanacURL: srv.URL, Dir: t.TempDir()}
	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatalf("expected failure when every source is down")
	}
}

func TestHTTPProviderNoURLs(t *testing.T) {
	if _, err := (HTTPProvider{}).Fetch(context.Background()); err == nil {
		t.Fatalf("expected configuration error")
	}
}
