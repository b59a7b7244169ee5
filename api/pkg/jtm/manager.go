package jtm

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/modelgate/modelgate/api/pkg/types"
)

// Manager owns one Allocator per model and drives the adjustment loop
// across all of them concurrently.
type Manager struct {
	allocators map[types.ModelId]*Allocator
	cfg        AdjustmentConfig
	interval   time.Duration
	cancel     context.CancelFunc
}

// NewManager builds a Manager over the given allocators. interval is how
// often AdjustIfDue is polled for every model; cfg governs the adjustment
// itself.
func NewManager(allocators map[types.ModelId]*Allocator, cfg AdjustmentConfig, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{allocators: allocators, cfg: cfg, interval: interval}
}

// Allocator returns the allocator for a model, or nil if unknown.
func (m *Manager) Allocator(model types.ModelId) *Allocator {
	return m.allocators[model]
}

// Start launches the periodic adjustment loop. Every tick, every model's
// AdjustIfDue is run concurrently via a worker pool, so one model's
// adjustment never waits behind another's.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

func (m *Manager) tick() {
	p := pool.New()
	for _, alloc := range m.allocators {
		alloc := alloc
		p.Go(func() {
			alloc.AdjustIfDue(m.cfg)
		})
	}
	p.Wait()
}

// Stop cancels the adjustment loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
