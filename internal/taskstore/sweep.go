package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// LeaseSweeper runs the background lease-expiry recovery sweep (spec.md
// §4.1's "Lease-expiry recovery"): any RUNNING task whose lease deadline
// elapsed more than Grace ago is marked FAILED with "lease expired".
type LeaseSweeper struct {
	store    Store
	log      *logger.Logger
	grace    time.Duration
	schedule string

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// SweeperConfig configures a LeaseSweeper.
type SweeperConfig struct {
	// Schedule is a standard 5-field cron expression or a descriptor such
	// as "@every 30s" (the parser has no seconds field); defaults to
	// "@every 30s".
	Schedule string
	Grace    time.Duration
	Log      *logger.Logger
}

// NewLeaseSweeper constructs a sweeper bound to store. It does not start
// the cron schedule; call Start.
func NewLeaseSweeper(store Store, cfg SweeperConfig) *LeaseSweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("lease-sweeper")
	}
	return &LeaseSweeper{
		store:    store,
		log:      cfg.Log,
		grace:    cfg.Grace,
		schedule: cfg.Schedule,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and begins running it in the background. It is
// idempotent: calling Start on an already-running sweeper is a no-op.
func (ls *LeaseSweeper) Start(ctx context.Context) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.running {
		return nil
	}

	entryID, err := ls.cron.AddFunc(ls.schedule, func() { ls.tick(ctx) })
	if err != nil {
		return err
	}
	ls.entryID = entryID
	ls.cron.Start()
	ls.running = true
	ls.log.WithField("schedule", ls.schedule).Info("lease sweeper started")
	return nil
}

// Stop halts the cron schedule and waits for any in-flight sweep to finish.
func (ls *LeaseSweeper) Stop() {
	ls.mu.Lock()
	if !ls.running {
		ls.mu.Unlock()
		return
	}
	ls.running = false
	ls.mu.Unlock()

	stopCtx := ls.cron.Stop()
	<-stopCtx.Done()
	ls.log.Info("lease sweeper stopped")
}

func (ls *LeaseSweeper) tick(ctx context.Context) {
	swept, err := ls.store.SweepExpiredLeases(ctx, ls.grace)
	if err != nil {
		ls.log.WithError(err).Warn("lease sweep failed")
		return
	}
	if swept > 0 {
		ls.log.WithField("swept", swept).Info("swept expired leases")
	}
}
