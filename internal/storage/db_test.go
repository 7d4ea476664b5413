package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "metrics.db"))
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReplaceAndLoadMetrics(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	counters := map[string]float64{
		`pr_review_success_total{repository="demo"}`: 4,
		`pr_review_issues_total{repository="demo"}`:  7,
	}
	histograms := map[string]HistogramRow{
		`pr_review_duration_seconds{repository="demo",status="success"}`: {
			Buckets: map[string]uint64{"10": 1, "60": 3},
			Sum:     95.5,
			Count:   3,
		},
	}
	if err := db.ReplaceMetrics(ctx, counters, histograms); err != nil {
		t.Fatalf("ReplaceMetrics failed: %v", err)
	}

	gotCounters, gotHistograms, err := db.LoadMetrics(ctx)
	if err != nil {
		t.Fatalf("LoadMetrics failed: %v", err)
	}
	if diff := cmp.Diff(counters, gotCounters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(histograms, gotHistograms); diff != "" {
		t.Errorf("histograms mismatch (-want +got):\n%s", diff)
	}

	// A later flush replaces, not merges.
	if err := db.ReplaceMetrics(ctx, map[string]float64{`pr_review_success_total{repository="other"}`: 1}, nil); err != nil {
		t.Fatalf("second ReplaceMetrics failed: %v", err)
	}
	gotCounters, gotHistograms, err = db.LoadMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotCounters) != 1 || len(gotHistograms) != 0 {
		t.Errorf("Expected only the latest flush, got %v / %v", gotCounters, gotHistograms)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		db.Close()
	}
}
