package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// Persister restores the recorder from a store at startup and flushes it
// back periodically and once more on Stop.
type Persister struct {
	recorder *Recorder
	store    Store
	interval time.Duration
	logger   *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPersister creates a Persister. It does nothing until Start.
func NewPersister(rec *Recorder, store Store, interval time.Duration, logger *slog.Logger) *Persister {
	return &Persister{
		recorder: rec,
		store:    store,
		interval: interval,
		logger:   logging.OrDefault(logger, logging.SubsystemMetrics),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Restore loads persisted state into the recorder. Failures are logged and
// otherwise ignored so startup is never blocked by a bad metrics file.
func (p *Persister) Restore(ctx context.Context) {
	snap, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Warn("could not load persisted metrics, starting from zero", "error", err)
		return
	}
	if err := p.recorder.Restore(snap); err != nil {
		p.logger.Warn("partially restored metrics", "error", err)
	}
	p.logger.Info("restored metrics", "counters", len(snap.Counters), "histograms", len(snap.Histograms))
}

// Flush writes the current state to the store.
func (p *Persister) Flush(ctx context.Context) error {
	return p.store.Save(ctx, p.recorder.Snapshot())
}

// Start begins periodic flushing.
func (p *Persister) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

func (p *Persister) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.Flush(ctx); err != nil {
				p.logger.Error("metrics flush failed", "error", err)
			}
			cancel()
		}
	}
}

// Stop ends periodic flushing, performs a final flush and closes the store.
func (p *Persister) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.startOnce.Do(func() { close(p.doneCh) }) // never started
		select {
		case <-p.doneCh:
		case <-ctx.Done():
		}

		err = p.Flush(ctx)
		if err != nil {
			p.logger.Error("final metrics flush failed", "error", err)
		}
		if cerr := p.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
