// Package lifecycle runs idbmanagerd's graceful shutdown: priority-ordered
// shutdown funcs, OS signal handling, and a bounded-timeout drain.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"indexeddb/dblog"
)

// ShutdownFunc is one unit of graceful-shutdown work. Lower Priority is
// started first; started steps run concurrently, so a step does not wait
// for lower-priority steps to finish.
type ShutdownFunc struct {
	Name     string
	Priority int
	Func     func(ctx context.Context) error
}

// Manager runs registered ShutdownFuncs once — either on an OS signal or
// on an explicit Shutdown call — starting them in priority order and
// running them concurrently.
type Manager struct {
	funcs   []ShutdownFunc
	timeout time.Duration
	signals []os.Signal

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewManager builds a Manager bounding the whole drain to timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown step, keeping funcs sorted by ascending
// Priority.
func (m *Manager) Register(name string, priority int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sf := ShutdownFunc{Name: name, Priority: priority, Func: fn}
	i := 0
	for ; i < len(m.funcs); i++ {
		if priority < m.funcs[i].Priority {
			break
		}
	}
	m.funcs = append(m.funcs, ShutdownFunc{})
	copy(m.funcs[i+1:], m.funcs[i:])
	m.funcs[i] = sf
}

// ListenForSignals installs SIGINT/SIGTERM handling that triggers Shutdown.
func (m *Manager) ListenForSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, m.signals...)

	go func() {
		sig := <-sigCh
		dblog.WithComponent("lifecycle").Info().Str("signal", sig.String()).Msg("received shutdown signal")
		m.Shutdown()
	}()
}

// Shutdown runs every registered step exactly once, bounded by the
// configured timeout, and returns once Wait would unblock.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.run()
		close(m.done)
	})
}

// Wait blocks until Shutdown has completed.
func (m *Manager) Wait() {
	<-m.done
}

func (m *Manager) run() {
	log := dblog.WithComponent("lifecycle")
	log.Info().Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	funcs := make([]ShutdownFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(funcs))
	for _, sf := range funcs {
		wg.Add(1)
		go func(sf ShutdownFunc) {
			defer wg.Done()
			start := time.Now()
			if err := sf.Func(ctx); err != nil {
				errCh <- fmt.Errorf("shutdown %s: %w", sf.Name, err)
				return
			}
			log.Info().Str("step", sf.Name).Dur("elapsed", time.Since(start)).Msg("shutdown step complete")
		}(sf)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		log.Warn().Msg("shutdown timeout reached before all steps completed")
	}

	close(errCh)
	for err := range errCh {
		log.Error().Err(err).Msg("shutdown step failed")
	}
}
