package helpers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTruncateAtSentence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"fits", "Short text.", 50, "Short text."},
		{"sentence boundary", "First sentence here. Second sentence is long.", 30, "First sentence here."},
		{"word boundary", "alpha beta gamma delta epsilon", 18, "alpha beta gamma"},
		{"hard cut", "abcdefghijklmnopqrstuvwxyz", 10, "abcdefghij"},
		{"ignores decimal point", "Version 2.5 ships now with more", 14, "Version 2.5"},
		{"zero budget", "anything", 0, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateAtSentence(tt.in, tt.max); got != tt.want {
				t.Fatalf("TruncateAtSentence(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestStripHTML(t *testing.T) {
	t.Parallel()
	got := StripHTML("<b>Zero</b>   knowledge &amp; <script>alert(1)</script>E2E")
	if strings.Contains(got, "<") || !strings.Contains(got, "Zero knowledge & ") {
		t.Fatalf("unexpected StripHTML output %q", got)
	}
}

func TestHTTPClientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 3, time.Millisecond)
	var out struct{ OK bool }
	attempts, err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, map[string]string{"a": "b"}, &out)
	if err != nil || !out.OK {
		t.Fatalf("DoJSON: %v %+v", err, out)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 3, time.Millisecond)
	_, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
