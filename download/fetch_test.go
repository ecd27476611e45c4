package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestHTTPFetcherWritesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("artifact-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	f := NewHTTPFetcher()
	if err := f.Fetch(context.Background(), srv.URL, dest); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "artifact-bytes" {
		t.Errorf("body = %q", data)
	}
}

func TestHTTPFetcherFollowsOneRedirect(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("redirected-artifact"))
	}))
	defer final.Close()
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer first.Close()

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	f := NewHTTPFetcher()
	if err := f.Fetch(context.Background(), first.URL, dest); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "redirected-artifact" {
		t.Errorf("body = %q", data)
	}
}

func TestHTTPFetcherRejectsRedirectChain(t *testing.T) {
	var loop *httptest.Server
	loop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, loop.URL, http.StatusFound)
	}))
	defer loop.Close()

	f := NewHTTPFetcher()
	err := f.Fetch(context.Background(), loop.URL, filepath.Join(t.TempDir(), "x"))
	if err == nil {
		t.Fatal("redirect loop did not error")
	}
}

func TestHTTPFetcherLocatorExpired(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		f := NewHTTPFetcher()
		err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"))
		srv.Close()
		if !errors.Is(err, ErrLocatorExpired) {
			t.Errorf("status %d: err = %v, want ErrLocatorExpired", code, err)
		}
	}
}

func TestHTTPFetcherUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"))
	if err == nil || errors.Is(err, ErrLocatorExpired) {
		t.Errorf("err = %v, want plain status error", err)
	}
}
