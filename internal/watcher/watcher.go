// Package watcher runs two background loops per process. The fast loop
// ticks roughly every 100 ms, unlocked, and scans every ongoing game for a
// disconnect deadline, a first-move deadline, or a clock flag-fall the
// players themselves never triggered by moving. Every node in a cluster
// runs this independently, relying on the coordinator's conditional-update
// latch to make a redundant detection from two nodes harmless. Alongside
// it, a much slower loop (~60s) acquires a distributed lock and repeats
// the same scan, purely as a crash-recovery backstop for the case a node's
// fast loop died along with the node itself.
//
// The per-game mutation is delegated to the game coordinator
// (internal/coordinator/watch.go) so a watcher-driven termination can
// never race a player-driven one on the same game.
package watcher

import (
	"context"
	"log"
	"time"

	"chessmata-core/internal/coordinator"
	"chessmata-core/internal/store"
)

// Watcher owns both loops: the unlocked fast tick and the lock-gated
// crash-recovery sweep.
type Watcher struct {
	store *store.GameStore
	coord *coordinator.Coordinator
	lock  *store.Lock

	tickInterval  time.Duration
	sweepInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Watcher. tickInterval comes from
// config.GameConfig.WatcherTickMs and drives the unlocked per-process
// scan; sweepInterval comes from config.GameConfig.StaleSweepIntervalMs
// and drives the separate lock-gated crash-recovery backstop.
func New(gs *store.GameStore, coord *coordinator.Coordinator, lock *store.Lock, tickInterval, sweepInterval time.Duration) *Watcher {
	return &Watcher{
		store:         gs,
		coord:         coord,
		lock:          lock,
		tickInterval:  tickInterval,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins both loops in background goroutines.
func (w *Watcher) Start() {
	go w.run()
	log.Printf("watcher: started (tick=%s, sweep=%s)", w.tickInterval, w.sweepInterval)
}

// Stop signals both loops to exit and waits for the fast loop to finish its
// current tick.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	tick := time.NewTicker(w.tickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-tick.C:
			w.fastTick()
		case <-sweep.C:
			w.backstopSweep()
		}
	}
}

// fastTick is the unlocked, per-process ~100ms scan: every node runs this
// independently and unconditionally, with no coordination between nodes. A
// concurrent detection from two nodes on the same game is harmless because
// every terminal transition SweepOne can trigger goes through the
// Coordinator's conditionalUpdate termination latch.
func (w *Watcher) fastTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	games, err := w.store.ListOngoing(ctx)
	if err != nil {
		log.Printf("watcher: failed to list ongoing games: %v", err)
		return
	}

	for i := range games {
		w.coord.SweepOne(ctx, games[i])
	}
}

// backstopSweep is the lock-gated crash-recovery sweep: only the node that
// wins the distributed lock repeats the scan, as a safety net for games
// whose owning node's fast loop stopped running (the node crashed, a
// deploy rolled it, etc.) before it could catch a deadline.
func (w *Watcher) backstopSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !w.lock.TryAcquire(ctx) {
		return
	}
	defer w.lock.Release(ctx)

	games, err := w.store.ListOngoing(ctx)
	if err != nil {
		log.Printf("watcher: backstop sweep failed to list ongoing games: %v", err)
		return
	}

	for i := range games {
		w.coord.SweepOne(ctx, games[i])
	}
}
