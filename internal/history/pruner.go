package history

import (
	"log/slog"
	"sync"
	"time"
)

type PrunerConfig struct {
	Interval  time.Duration
	KeepCount int
}

func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Interval:  10 * time.Minute,
		KeepCount: 50,
	}
}

// Pruner trims each room's execution history down to the retention count on
// a fixed interval so the history database stays bounded.
type Pruner struct {
	store  *Store
	config PrunerConfig
	log    *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewPruner(store *Store, config PrunerConfig, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:  store,
		config: config,
		log:    logger,
		stop:   make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	p.wg.Add(1)
	go p.run()
	p.log.Info("history pruner started",
		"interval", p.config.Interval, "keep", p.config.KeepCount)
}

func (p *Pruner) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.log.Info("history pruner stopped")
}

func (p *Pruner) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.pruneAll()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pruneAll()
		}
	}
}

func (p *Pruner) pruneAll() {
	rooms, err := p.store.RoomIDs()
	if err != nil {
		p.log.Error("pruner: list rooms", "err", err)
		return
	}

	prunedCount := 0
	for _, roomID := range rooms {
		count, err := p.store.CountByRoom(roomID)
		if err != nil || count <= p.config.KeepCount {
			continue
		}
		if err := p.store.Prune(roomID, p.config.KeepCount); err != nil {
			p.log.Error("pruner: prune room", "room", roomID, "err", err)
			continue
		}
		prunedCount++
	}

	if prunedCount > 0 {
		p.log.Debug("pruned execution history", "rooms", prunedCount)
	}
}

// PruneNow trims a single room immediately.
func (p *Pruner) PruneNow(roomID string) error {
	return p.store.Prune(roomID, p.config.KeepCount)
}
