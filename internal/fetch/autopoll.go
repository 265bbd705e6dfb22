package fetch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// Poller runs incremental fetchsync over every mapping on a schedule.
// A tick that fires while the previous sweep is still running is
// skipped rather than queued.
type Poller struct {
	engine      *Engine
	maps        *store.MappingStore
	destGuildID string
	log         logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entryID cron.EntryID
	running atomic.Bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewPoller(engine *Engine, maps *store.MappingStore, destGuildID string, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{engine: engine, maps: maps, destGuildID: destGuildID, log: log}
}

// Start schedules sweeps every interval. A zero interval disables the
// poller. Restarting with a new interval replaces the schedule.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if interval <= 0 {
		return
	}
	p.baseCtx, p.cancelBase = context.WithCancel(ctx)
	p.c = cron.New()
	id, err := p.c.AddFunc("@every "+interval.String(), p.sweepOnce)
	if err != nil {
		p.log.Error("poll schedule rejected", logx.Duration("interval", interval), logx.Err(err))
		return
	}
	p.entryID = id
	p.c.Start()

	// The first sweep runs after a random delay so restarts across a
	// fleet never sweep in lockstep with each other or the schedule.
	delay := initialJitter(interval)
	go func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			p.sweepOnce()
		}
	}(p.baseCtx)
	p.log.Info("auto-poll started",
		logx.Duration("interval", interval),
		logx.Duration("first_sweep_in", delay))
}

// initialJitter spreads the first sweep across up to a tenth of the
// interval, bounded to the 500ms..30s range.
func initialJitter(interval time.Duration) time.Duration {
	span := interval / 10
	if span < time.Second {
		span = time.Second
	}
	if span > 30*time.Second {
		span = 30 * time.Second
	}
	return 500*time.Millisecond + time.Duration(rand.Int63n(int64(span)))
}

// Stop halts the schedule; an in-flight sweep is cancelled via its
// context.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.c != nil {
		p.c.Stop()
		p.c = nil
	}
	if p.cancelBase != nil {
		p.cancelBase()
		p.cancelBase = nil
	}
}

func (p *Poller) sweepOnce() {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("auto-poll tick skipped, sweep still running")
		return
	}
	defer p.running.Store(false)

	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	entries, err := p.maps.Entries()
	if err != nil {
		p.log.Warn("auto-poll mapping read failed", logx.Err(err))
		return
	}
	started := time.Now()
	synced, failed := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if len(e.SourceCategoryIDs) == 0 {
			continue
		}
		if _, err := p.engine.RunFetchSync(ctx, e.SourceGuildID, p.destGuildID, false); err != nil {
			failed++
			p.log.Warn("auto-poll sync failed",
				logx.String("source_guild_id", e.SourceGuildID), logx.Err(err))
			continue
		}
		synced++
	}
	p.log.Info("auto-poll sweep done",
		logx.Int("synced", synced),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(started)))
}
