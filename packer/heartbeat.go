// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package packer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// heartbeat renews one shard lease in the background at half the lease
// TTL. When a renewal reports the lease gone, or renewals keep failing
// past the TTL, it raises the lost flag and stops; the packer checks the
// flag before every write to the shard.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
	once   sync.Once
}

func (p *Packer) startHeartbeat(shard uint32) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)

		ttl := p.config.LockTTL
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()

		lastRenewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			renewCtx, cancel := context.WithTimeout(ctx, ttl/2)
			ok, err := p.db.RenewLock(renewCtx, shard, p.holder, ttl)
			cancel()
			switch {
			case err != nil:
				p.log.Warn("lease renewal failed",
					zap.Uint32("shard", shard), zap.Error(err))
				if time.Since(lastRenewed) >= ttl {
					hb.lost.Store(true)
					return
				}
			case !ok:
				p.log.Warn("lease lost", zap.Uint32("shard", shard))
				hb.lost.Store(true)
				return
			default:
				lastRenewed = time.Now()
			}
		}
	}()
	return hb
}

// Lost reports whether the lease is gone.
func (hb *heartbeat) Lost() bool { return hb.lost.Load() }

// Stop ends renewals and waits for the goroutine to exit.
func (hb *heartbeat) Stop() {
	hb.once.Do(hb.cancel)
	<-hb.done
}
