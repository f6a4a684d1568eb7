package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReflectorMissingBaseURL(t *testing.T) {
	src := NewReflector(ReflectorOptions{}, noopLogger())
	if _, err := src.Latest(context.Background(), Symbol("XLM")); err == nil {
		t.Fatal("missing base url should return an error")
	}
}

func TestReflectorLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lastprice" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("asset"); got != "XLM" {
			t.Fatalf("unexpected asset query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price":     "123456789",
			"timestamp": 1700000000,
			"decimals":  14,
		})
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	sample, err := src.Latest(context.Background(), Symbol("XLM"))
	if err != nil {
		t.Fatalf("latest should succeed: %v", err)
	}
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.Price.String() != "123456789" || sample.Timestamp != 1700000000 || sample.Decimals != 14 {
		t.Fatalf("unexpected sample %s", sample)
	}
}

func TestReflectorLatestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	sample, err := src.Latest(context.Background(), Symbol("NOPE"))
	if err != nil {
		t.Fatalf("404 should map to no data, not an error: %v", err)
	}
	if sample != nil {
		t.Fatalf("expected nil sample, got %s", sample)
	}
}

func TestReflectorGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "ledger unavailable"})
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := src.Latest(context.Background(), Symbol("XLM")); err == nil {
		t.Fatal("HTTP 500 should return an error")
	}
}

func TestReflectorAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("timestamp"); got != "1700000000" {
			t.Fatalf("unexpected timestamp query %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price":     "42",
			"timestamp": 1699999700,
			"decimals":  14,
		})
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	sample, err := src.At(context.Background(), Symbol("XLM"), 1700000000)
	if err != nil {
		t.Fatalf("at should succeed: %v", err)
	}
	if sample == nil || sample.Timestamp != 1699999700 {
		t.Fatalf("unexpected sample %v", sample)
	}
}

func TestReflectorRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("records"); got != "3" {
			t.Fatalf("unexpected records query %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"prices": []map[string]any{
				{"price": "100", "timestamp": 1000, "decimals": 14},
				{"price": "110", "timestamp": 1300, "decimals": 14},
				{"price": "120", "timestamp": 1600, "decimals": 14},
			},
		})
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	samples, err := src.Recent(context.Background(), Symbol("XLM"), 3)
	if err != nil {
		t.Fatalf("recent should succeed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if samples[0].Timestamp >= samples[2].Timestamp {
		t.Fatal("samples should be oldest-first")
	}
}

func TestReflectorContractAssetQuery(t *testing.T) {
	const contract = "CCYOZJCOPG34LLQQ7N24YXBM7LL62R7ONMZ3G6WZAAYPB5OYKOMJRN63"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("contract"); got != contract {
			t.Fatalf("unexpected contract query %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price": "1", "timestamp": 1, "decimals": 7,
		})
	}))
	defer srv.Close()

	src := NewReflector(ReflectorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := src.Latest(context.Background(), Contract(contract)); err != nil {
		t.Fatalf("contract asset lookup should succeed: %v", err)
	}
}
