package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kestrel-eim/config"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"
)

// Sweeper periodically removes asset directories whose identifier no longer
// has a row, live or soft-deleted. Hard deletes already purge their own
// assets; the sweeper mops up after crashes between media write and row
// insert.
type Sweeper struct {
	cfg    config.SchedulerConfig
	store  store.IncidentsStore
	root   string
	logger *utils.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewSweeper(cfg config.SchedulerConfig, st store.IncidentsStore, root string, logger *utils.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: st, root: root, logger: logger}
}

func (s *Sweeper) StartWithContext(ctx context.Context) {
	if s == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(runCtx); err != nil {
					s.logger.Warnf("orphan sweep: %v", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// RunOnce walks {slug}/{year}/{month}/{identifier} directories and removes
// every one whose identifier the store no longer knows. Returns the number
// of directories removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	known, err := s.store.KnownIdentifiers(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*", "*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		identifier := filepath.Base(dir)
		if _, _, _, err := store.ParseIdentifier(identifier); err != nil {
			continue
		}
		if _, ok := known[identifier]; ok {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warnf("orphan sweep: remove %s: %v", dir, err)
			continue
		}
		removed++
		s.logger.Infof("orphan sweep: removed assets of %s", identifier)
	}
	return removed, nil
}
