package castbackend

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/castsession/internal/adapters"
)

// startMonitor polls the receiver status and posts each observation to the
// control thread.
func (b *Backend) startMonitor(client adapters.CastClient, gen uint64) {
	b.stopMonitor()

	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.monitorCancel = cancel
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()

		b.observe(client, gen)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.observe(client, gen)
			}
		}
	}()
}

func (b *Backend) observe(client adapters.CastClient, gen uint64) {
	status, err := client.GetStatus()
	if err != nil || status == nil {
		if err != nil {
			b.logger.Debug("cast_status_failed", slog.String("error", err.Error()))
		}
		return
	}
	state := strings.ToUpper(strings.TrimSpace(status.PlayerState))
	position := time.Duration(float64(status.CurrentTime) * float64(time.Second))
	b.poster.Post(func() { b.handleStatus(gen, state, position) })
}

// stopMonitor cancels polling without waiting for it. A poll already inside
// GetStatus finishes on its own and its result is dropped by the gen check.
func (b *Backend) stopMonitor() {
	b.mu.Lock()
	cancel := b.monitorCancel
	b.monitorCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
