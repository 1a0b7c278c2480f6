package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const newsSampleHTML = `<html><body>
<a href="/news-rytas-wins-derby-123.html">Rytas laimėjo derbį</a>
<a href="/news-zalgiris-456.html">Žalgiris pralaimėjo</a>
<a href="/news-rytas-signs-guard-789.html"><span>Vilniaus <b>Rytas</b> pasirašė sutartį</span></a>
<a href="/news-rytas-wins-derby-123.html">Rytas laimėjo derbį</a>
<a href="/tickets">Rytas bilietai</a>
<a href="https://other.example/news-rytas-abroad-1.html">Rytas užsienyje</a>
</body></html>`

func TestExtractHeadlines(t *testing.T) {
	headlines := extractHeadlines(newsSampleHTML)

	if len(headlines) != 3 {
		t.Fatalf("got %d headlines, want 3: %+v", len(headlines), headlines)
	}

	if headlines[0].Title != "Rytas laimėjo derbį" {
		t.Errorf("first title = %q", headlines[0].Title)
	}
	if headlines[0].URL != NewsBaseURL+"/news-rytas-wins-derby-123.html" {
		t.Errorf("relative href not absolutized: %q", headlines[0].URL)
	}

	// Nested tags are stripped from anchor text
	if headlines[1].Title != "Vilniaus Rytas pasirašė sutartį" {
		t.Errorf("second title = %q", headlines[1].Title)
	}

	// Absolute hrefs pass through untouched
	if headlines[2].URL != "https://other.example/news-rytas-abroad-1.html" {
		t.Errorf("third url = %q", headlines[2].URL)
	}

	for _, h := range headlines {
		if !strings.Contains(strings.ToLower(h.Title), NewsTeamFilter) {
			t.Errorf("headline %q does not mention the team", h.Title)
		}
	}
}

func TestExtractHeadlinesCap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < MaxNewsItems+5; i++ {
		sb.WriteString(fmt.Sprintf(`<a href="/news-rytas-%d.html">Rytas naujiena %d</a>`, i, i))
	}
	headlines := extractHeadlines(sb.String())
	if len(headlines) != MaxNewsItems {
		t.Fatalf("got %d headlines, want cap of %d", len(headlines), MaxNewsItems)
	}
}

func TestFetchNewsFrom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(newsSampleHTML))
	}))
	defer srv.Close()

	headlines, err := fetchNewsFrom(t.Context(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(headlines) != 3 {
		t.Fatalf("got %d headlines, want 3", len(headlines))
	}
}

func TestFetchNewsFromBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := fetchNewsFrom(t.Context(), srv.URL); err == nil {
		t.Fatal("expected an error on non-200 response")
	}
}
