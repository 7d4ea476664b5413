package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/storage"
)

// Store persists recorder snapshots.
type Store interface {
	// Load returns the stored snapshot, or an empty one if nothing has been
	// stored yet.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	if snap.Counters == nil {
		snap.Counters = map[string]float64{}
	}
	if snap.Histograms == nil {
		snap.Histograms = map[string]HistogramValue{}
	}
	return snap, nil
}

// Save writes to a temp file and renames it over the target.
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metrics: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metrics: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// SQLiteStore keeps the snapshot in the embedded database.
type SQLiteStore struct {
	db *storage.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	counters, histograms, err := s.db.LoadMetrics(ctx)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot()
	snap.Counters = counters
	for key, h := range histograms {
		snap.Histograms[key] = HistogramValue{Buckets: h.Buckets, Sum: h.Sum, Count: h.Count}
	}
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	histograms := make(map[string]storage.HistogramRow, len(snap.Histograms))
	for key, h := range snap.Histograms {
		histograms[key] = storage.HistogramRow{Buckets: h.Buckets, Sum: h.Sum, Count: h.Count}
	}
	return s.db.ReplaceMetrics(ctx, snap.Counters, histograms)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// OpenStore returns the store selected by cfg. If the sqlite database can't
// be opened, it falls back to a JSON file next to the configured path.
func OpenStore(cfg config.MetricsConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.MetricsBackendFile, "":
		return NewFileStore(cfg.Path), nil
	case config.MetricsBackendSQLite:
		store, err := NewSQLiteStore(cfg.Path)
		if err == nil {
			return store, nil
		}
		fallback := strings.TrimSuffix(cfg.Path, filepath.Ext(cfg.Path)) + ".json"
		logger.Warn("sqlite metrics store unavailable, falling back to file",
			"path", cfg.Path, "fallback", fallback, "error", err)
		return NewFileStore(fallback), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
