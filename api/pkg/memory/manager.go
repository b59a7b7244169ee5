// Package memory implements C4: a process-wide semaphore over usable free
// memory, periodically resized from OS statistics.
package memory

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/modelgate/modelgate/api/pkg/semaphore"
)

// StatsSource reports OS memory statistics. Satisfied by gopsutil's
// mem.VirtualMemory in production; swappable in tests.
type StatsSource interface {
	AvailableKB() (int64, error)
}

type gopsutilSource struct{}

func (gopsutilSource) AvailableKB() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vm.Available / 1024), nil
}

// Config configures the memory manager (spec.md §6 "memory" options).
type Config struct {
	// FreeMemoryRatio is the fraction of usable free memory the manager
	// will make available as semaphore capacity, in (0, 1].
	FreeMemoryRatio float64

	// RecalculationInterval defaults to 1 second.
	RecalculationInterval time.Duration

	// MinCapacityKB/MaxCapacityKB clamp the computed capacity before it is
	// applied to the semaphore. Zero means unbounded on that side.
	MinCapacityKB int64
	MaxCapacityKB int64

	// MaxOldSpaceKB additionally caps usable memory in non-production
	// mode, mirroring a parsed --max-old-space-size heap cap (spec.md
	// §4.4). Zero means no such cap.
	MaxOldSpaceKB int64
	Production    bool
}

// Manager owns the process-wide memory semaphore and periodically
// recomputes its capacity from OS free-memory statistics.
type Manager struct {
	cfg    Config
	source StatsSource
	sem    *semaphore.Semaphore

	cancel context.CancelFunc
}

// New creates a Manager and performs one synchronous capacity calculation
// so the semaphore starts with a sane capacity before the background loop
// takes over.
func New(cfg Config) (*Manager, error) {
	if cfg.RecalculationInterval <= 0 {
		cfg.RecalculationInterval = time.Second
	}
	if cfg.FreeMemoryRatio <= 0 || cfg.FreeMemoryRatio > 1 {
		cfg.FreeMemoryRatio = 1
	}

	m := &Manager{
		cfg:    cfg,
		source: gopsutilSource{},
		sem:    semaphore.New(0),
	}

	cap, err := m.computeCapacity()
	if err != nil {
		return nil, err
	}
	m.sem.Resize(cap)

	return m, nil
}

// WithStatsSource overrides the OS stats source, for testing.
func (m *Manager) WithStatsSource(s StatsSource) *Manager {
	m.source = s
	cap, err := m.computeCapacity()
	if err == nil {
		m.sem.Resize(cap)
	}
	return m
}

// Semaphore returns the shared memory semaphore used by every per-model
// limiter in the process.
func (m *Manager) Semaphore() *semaphore.Semaphore {
	return m.sem
}

func (m *Manager) computeCapacity() (int64, error) {
	availableKB, err := m.source.AvailableKB()
	if err != nil {
		return 0, err
	}

	usable := int64(float64(availableKB) * m.cfg.FreeMemoryRatio)

	if !m.cfg.Production && m.cfg.MaxOldSpaceKB > 0 && usable > m.cfg.MaxOldSpaceKB {
		usable = m.cfg.MaxOldSpaceKB
	}

	if m.cfg.MaxCapacityKB > 0 && usable > m.cfg.MaxCapacityKB {
		usable = m.cfg.MaxCapacityKB
	}
	if usable < m.cfg.MinCapacityKB {
		usable = m.cfg.MinCapacityKB
	}

	return usable, nil
}

// Start launches the periodic recalculation loop. Cancel via Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.RecalculationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cap, err := m.computeCapacity()
				if err != nil {
					log.Warn().Err(err).Msg("memory manager: failed to read OS memory stats, keeping previous capacity")
					continue
				}
				m.sem.Resize(cap)
			}
		}
	}()
}

// Stop cancels the recalculation loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

var maxOldSpaceFlag = regexp.MustCompile(`--max-old-space-size=(\d+)`)

// ParseMaxOldSpaceSizeKB scans a list of process arguments (e.g. os.Args)
// for a --max-old-space-size=<MB> flag and returns the equivalent KB
// value. Returns ok=false if the flag isn't present.
func ParseMaxOldSpaceSizeKB(args []string) (kb int64, ok bool) {
	for _, a := range args {
		m := maxOldSpaceFlag.FindStringSubmatch(a)
		if m == nil {
			continue
		}
		mb, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		return mb * 1024, true
	}
	return 0, false
}
