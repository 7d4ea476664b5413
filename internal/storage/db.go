// Package storage is the embedded sqlite database behind the sqlite metrics
// backend.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_counters (
  series TEXT PRIMARY KEY,
  value REAL NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_histograms (
  series TEXT PRIMARY KEY,
  buckets TEXT NOT NULL,
  sum REAL NOT NULL,
  count INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);
`

// HistogramRow is one persisted histogram series.
type HistogramRow struct {
	Buckets map[string]uint64
	Sum     float64
	Count   uint64
}

type DB struct {
	*sql.DB
}

// Open opens or creates the database at the given path
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize schema (CREATE IF NOT EXISTS is idempotent)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// ReplaceMetrics overwrites every stored series in one transaction, so a
// crash mid-flush leaves the previous flush intact.
func (db *DB) ReplaceMetrics(ctx context.Context, counters map[string]float64, histograms map[string]HistogramRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_counters`); err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	for series, value := range counters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_counters (series, value, updated_at) VALUES (?, ?, ?)`,
			series, value, now); err != nil {
			return fmt.Errorf("insert counter %s: %w", series, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_histograms`); err != nil {
		return fmt.Errorf("clear histograms: %w", err)
	}
	for series, h := range histograms {
		buckets, err := json.Marshal(h.Buckets)
		if err != nil {
			return fmt.Errorf("encode buckets %s: %w", series, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_histograms (series, buckets, sum, count, updated_at) VALUES (?, ?, ?, ?, ?)`,
			series, string(buckets), h.Sum, int64(h.Count), now); err != nil {
			return fmt.Errorf("insert histogram %s: %w", series, err)
		}
	}

	return tx.Commit()
}

// LoadMetrics returns every stored series.
func (db *DB) LoadMetrics(ctx context.Context) (map[string]float64, map[string]HistogramRow, error) {
	counters := make(map[string]float64)
	rows, err := db.QueryContext(ctx, `SELECT series, value FROM metric_counters`)
	if err != nil {
		return nil, nil, fmt.Errorf("query counters: %w", err)
	}
	for rows.Next() {
		var series string
		var value float64
		if err := rows.Scan(&series, &value); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan counter: %w", err)
		}
		counters[series] = value
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iterate counters: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, err
	}

	histograms := make(map[string]HistogramRow)
	rows, err = db.QueryContext(ctx, `SELECT series, buckets, sum, count FROM metric_histograms`)
	if err != nil {
		return nil, nil, fmt.Errorf("query histograms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var series, buckets string
		var h HistogramRow
		var count int64
		if err := rows.Scan(&series, &buckets, &h.Sum, &count); err != nil {
			return nil, nil, fmt.Errorf("scan histogram: %w", err)
		}
		if err := json.Unmarshal([]byte(buckets), &h.Buckets); err != nil {
			return nil, nil, fmt.Errorf("decode buckets %s: %w", series, err)
		}
		h.Count = uint64(count)
		histograms[series] = h
	}
	return counters, histograms, rows.Err()
}
