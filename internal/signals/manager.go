// Package signals provides a process-wide shutdown-cleanup registry.
// Subsystems that hold external resources (lock files, sockets, temp state)
// register cleanup callbacks; the manager runs them when the process receives
// a termination signal. Registration is additive: signal.Notify fans out to
// every subscriber, so the manager never replaces or starves handlers
// installed elsewhere, and it never re-raises the signal or exits — normal
// shutdown proceeds in whichever goroutine is waiting on it.
package signals

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// terminationSignals are the signals that trigger cleanup.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGQUIT,
	syscall.SIGABRT,
}

// Manager collects cleanup callbacks and runs each exactly once, either when
// a termination signal arrives or when Shutdown is called explicitly on the
// normal exit path — whichever happens first.
type Manager struct {
	mu       sync.Mutex
	cleanups map[int]func()
	nextID   int
	fired    bool

	listenOnce sync.Once
	sigCh      chan os.Signal
	done       chan struct{}
	logger     *slog.Logger
}

// NewManager creates a Manager. The signal listener is installed lazily on
// the first OnShutdown registration.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cleanups: make(map[int]func()),
		done:     make(chan struct{}),
		logger:   logger.With("component", "signals"),
	}
}

// OnShutdown registers a cleanup callback and returns a cancel function that
// removes it (for resources released through their normal lifecycle).
// If cleanups have already fired, fn runs immediately.
func (m *Manager) OnShutdown(fn func()) (cancel func()) {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		fn()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.cleanups[id] = fn
	m.mu.Unlock()

	m.listenOnce.Do(m.listen)

	return func() {
		m.mu.Lock()
		delete(m.cleanups, id)
		m.mu.Unlock()
	}
}

// Shutdown runs all pending cleanups. Safe to call multiple times; callbacks
// run at most once. Intended for the normal exit path.
func (m *Manager) Shutdown() {
	m.runCleanups("shutdown")
}

// Close stops the signal listener. Registered cleanups are not run.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
	}
}

func (m *Manager) listen() {
	m.sigCh = make(chan os.Signal, 1)
	signal.Notify(m.sigCh, terminationSignals...)

	go func() {
		select {
		case sig := <-m.sigCh:
			m.logger.Info("termination signal received, running cleanups", "signal", sig.String())
			m.runCleanups(sig.String())
		case <-m.done:
		}
	}()
}

func (m *Manager) runCleanups(reason string) {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	fns := make([]func(), 0, len(m.cleanups))
	for _, fn := range m.cleanups {
		fns = append(fns, fn)
	}
	m.cleanups = make(map[int]func())
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if len(fns) > 0 {
		m.logger.Debug("cleanups complete", "count", len(fns), "reason", reason)
	}
}
