package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coeurlink/mailer/internal/metrics"
)

type stubRecorder struct {
	opens  []string
	clicks []struct{ trackingID, url string }
}

func (s *stubRecorder) RecordOpen(_ context.Context, trackingID, _, _ string) error {
	s.opens = append(s.opens, trackingID)
	return nil
}

func (s *stubRecorder) RecordClick(_ context.Context, trackingID, url, _, _ string) error {
	s.clicks = append(s.clicks, struct{ trackingID, url string }{trackingID, url})
	return nil
}

func TestHandleOpenServesPixel(t *testing.T) {
	rec := &stubRecorder{}
	m := metrics.NewNop()
	h := NewHandler(newTestProcessor(), rec, m)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/o/trk-42")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("content type = %q", ct)
	}
	if len(rec.opens) != 1 || rec.opens[0] != "trk-42" {
		t.Fatalf("opens = %v", rec.opens)
	}
	if got := testutil.ToFloat64(m.Opens); got != 1 {
		t.Fatalf("opens counter = %v, want 1", got)
	}
}

func TestHandleClickRedirects(t *testing.T) {
	p := newTestProcessor()
	rec := &stubRecorder{}
	m := metrics.NewNop()
	h := NewHandler(p, rec, m)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	target := "https://shop.example.com/offer?x=1"
	clickURL := p.ClickURL("trk-42", target)
	// ClickURL is absolute against the processor base; keep only the path+query
	path := clickURL[len("https://app.example.com/t"):]

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != target {
		t.Fatalf("Location = %q, want %q", loc, target)
	}
	if len(rec.clicks) != 1 || rec.clicks[0].url != target {
		t.Fatalf("clicks = %v", rec.clicks)
	}
	if got := testutil.ToFloat64(m.Clicks); got != 1 {
		t.Fatalf("clicks counter = %v, want 1", got)
	}
}

func TestHandleClickRejectsForgedSignature(t *testing.T) {
	rec := &stubRecorder{}
	m := metrics.NewNop()
	h := NewHandler(newTestProcessor(), rec, m)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	u := EncodeTarget("https://evil.example.com/")
	resp, err := http.Get(srv.URL + "/c/trk-42?u=" + u + "&s=deadbeefdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(rec.clicks) != 0 {
		t.Fatal("forged click recorded")
	}
	if got := testutil.ToFloat64(m.Clicks); got != 0 {
		t.Fatalf("clicks counter = %v, want 0", got)
	}
}

func TestHashIPStable(t *testing.T) {
	a, b := hashIP("203.0.113.7"), hashIP("203.0.113.7")
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if a == "203.0.113.7" || len(a) != 32 {
		t.Fatalf("unexpected hash %q", a)
	}
	if hashIP("") != "" {
		t.Fatal("empty IP should hash to empty")
	}
}
