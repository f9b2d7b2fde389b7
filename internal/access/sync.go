// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package access

import (
	"context"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/keys"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/model"
)

// SyncLoop is the recurring reconciliation task. It alternates between
// idle (waiting for the next tick) and reconciling (processing one sync
// result); a tick that observes no effects causes no side effects at all.
type SyncLoop struct {
	cfg      graph.Config
	client   graph.Client
	mat      *keys.Materializer
	addr     string
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// startSyncLoop spawns the loop goroutine and returns its handle.
func startSyncLoop(cfg graph.Config, client graph.Client, mat *keys.Materializer, addr string, interval time.Duration) *SyncLoop {
	l := &SyncLoop{
		cfg:      cfg,
		client:   client,
		mat:      mat,
		addr:     addr,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Stop requests shutdown and waits for an in-flight reconciliation to
// finish. The stop signal only gates tick delivery; the reconciliation
// context is never cancelled, so a partially-processed tick is never
// abandoned mid-deployment.
func (l *SyncLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *SyncLoop) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// In-flight work gets an uncancelled context: shutdown stops delivering
	// ticks but lets the current pass run to completion.
	ctx := context.Background()

	logging.Infof("sync: loop started (peer %s, every %s)", l.addr, l.interval)
	for {
		select {
		case <-l.stop:
			logging.Infof("sync: loop stopped")
			return
		case <-ticker.C:
			// One attempt per tick. A failed attempt is logged and the next
			// tick proceeds unaffected; there is no inner retry loop.
			if err := l.reconcile(ctx); err != nil {
				logging.Errorf("sync: reconciliation failed: %v", err)
			}
		}
	}
}

// reconcile pulls newly observed effects from the peer and refreshes
// exactly the hosts they touch, falling back to a full refresh when an
// effect's host scope cannot be determined.
func (l *SyncLoop) reconcile(ctx context.Context) error {
	effects, err := l.client.SyncPeer(ctx, l.addr)
	if err != nil {
		return err
	}
	if len(effects) == 0 {
		// Nothing newly observed; back to idle without touching any sink.
		return nil
	}

	hostLabels, full := l.partition(effects)
	logging.Debugf("sync: observed %d effects (targeted hosts: %d, full refresh: %t)",
		len(effects), len(hostLabels), full)

	if full {
		return l.mat.RefreshAll(ctx)
	}
	if len(hostLabels) == 0 {
		return nil
	}
	return l.mat.RefreshLabels(ctx, hostLabels)
}

// partition splits effects into per-host label targets and a full-refresh
// flag. Membership and role changes carry no label context and can alter
// any host's authorized set, so they force the full path. Transport-label
// effects touch no host key file: host access is gated by the host label
// alone.
func (l *SyncLoop) partition(effects []graph.Effect) ([]model.Label, bool) {
	seen := make(map[model.Label]bool)
	var labels []model.Label
	for _, e := range effects {
		lbl, ok := graph.EffectLabel(e)
		if !ok {
			return nil, true
		}
		if !l.cfg.HostLabel(lbl) {
			continue
		}
		if !seen[lbl] {
			seen[lbl] = true
			labels = append(labels, lbl)
		}
	}
	return labels, false
}
